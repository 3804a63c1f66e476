package domain

import "time"

// AlertKind classifies operational alerts that need operator attention.
type AlertKind string

const (
	AlertOrphanedMapping   AlertKind = "orphaned_mapping"
	AlertUnreconcilable    AlertKind = "unreconcilable_answer"
	AlertPartialAllocation AlertKind = "partial_allocation"
	AlertUnsendable        AlertKind = "unsendable_question"
	AlertDeliveryFailure   AlertKind = "delivery_failure"
	AlertRecipientGone     AlertKind = "recipient_unavailable"
)

// Alert is a degraded-operation record surfaced to operators.
type Alert struct {
	ID      string    `json:"id" bson:"_id"`
	Kind    AlertKind `json:"kind" bson:"kind"`
	EventID string    `json:"eventId,omitempty" bson:"event_id,omitempty"`
	PollID  string    `json:"pollId,omitempty" bson:"poll_id,omitempty"`
	UserID  string    `json:"userId,omitempty" bson:"user_id,omitempty"`
	Detail  string    `json:"detail" bson:"detail"`
	At      time.Time `json:"at" bson:"at"`
}
