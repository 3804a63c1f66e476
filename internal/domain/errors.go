package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEventNotFound is returned when an event id is unknown.
	ErrEventNotFound = errors.New("event not found")
	// ErrProgressNotFound is returned when a user is not registered in an event.
	ErrProgressNotFound = errors.New("participant progress not found")
	// ErrQuestionNotFound indicates a question id could not be resolved in its source.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrMappingNotFound indicates no poll mapping exists for a poll id.
	ErrMappingNotFound = errors.New("poll mapping not found")
	// ErrMappingExists is returned when a poll id was already recorded.
	ErrMappingExists = errors.New("poll mapping already exists")
	// ErrNotificationNotFound indicates an unknown notification id.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrProgressExists is returned when a user registers twice for the same event.
	ErrProgressExists = errors.New("participant already registered")
	// ErrEventFull is returned when registration would exceed the participant cap.
	ErrEventFull = errors.New("event is full")

	ErrNotEnoughOptions       = errors.New("the number of options should be at least 2")
	ErrTooManyOptions         = errors.New("the number of options should be at most 10")
	ErrCorrectIndexOutOfRange = errors.New("correct option index out of range")
	ErrEmptyPrompt            = errors.New("question prompt is empty")

	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid event status transition")
	// ErrInvalidEvent is returned when event parameters fail validation.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrEventCancelled makes in-flight operations on a cancelled event no-ops.
	ErrEventCancelled = errors.New("event cancelled")
	// ErrVersionConflict is returned by conditional updates whose version guard failed.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNoQuestions is returned when materialization could not source a single question.
	ErrNoQuestions = errors.New("no questions available")
	// ErrPartialAllocation signals the requested question count could not be fully sourced.
	ErrPartialAllocation = errors.New("partial allocation")
	// ErrUnsendable signals a question that cannot be made provider-safe.
	ErrUnsendable = errors.New("question unsendable")
	// ErrOrphanedMapping signals a sent poll whose mapping could not be persisted.
	ErrOrphanedMapping = errors.New("orphaned poll mapping")
	// ErrUnreconcilable signals an answer for an unknown poll id.
	ErrUnreconcilable = errors.New("unreconcilable answer")
	// ErrDuplicateAdvancement signals an answer or timeout for a question already passed.
	ErrDuplicateAdvancement = errors.New("duplicate advancement")
	// ErrDeliveryFailure signals a transient provider or network error.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrRecipientUnavailable signals a chat that cannot receive messages: the bot was
	// blocked, removed or the chat does not exist. The content itself is fine.
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	// ErrSelectionOutOfRange signals a selected option outside the recorded option list.
	ErrSelectionOutOfRange = errors.New("selected option out of range")
)

// ThrottledError is a delivery failure for which the provider asked to wait before
// the next attempt.
type ThrottledError struct {
	Wait time.Duration
	Err  error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled for %s: %v", e.Wait, e.Err)
}

func (e *ThrottledError) Unwrap() []error {
	return []error{ErrDeliveryFailure, e.Err}
}
