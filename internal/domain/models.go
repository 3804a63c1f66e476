package domain

import "time"

// Source identifies the question table a question was drawn from.
type Source string

const (
	SourceExamYearA Source = "exam_2018"
	SourceExamYearB Source = "exam_2024"
	SourceValidated Source = "validated"
	SourceSection   Source = "section"
)

// Sources lists every known source in a stable order.
var Sources = []Source{SourceExamYearA, SourceExamYearB, SourceValidated, SourceSection}

const (
	MinOptions = 2
	MaxOptions = 10
)

// Question is the source-agnostic view produced by the per-source adapters.
type Question struct {
	ID           string   `json:"id"`
	Source       Source   `json:"source"`
	ExternalRef  string   `json:"externalRef,omitempty"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Category     string   `json:"category,omitempty"`
	Difficulty   string   `json:"difficulty,omitempty"`

	TimesUsed         int        `json:"timesUsed"`
	LastUsedInEventID string     `json:"lastUsedInEventId,omitempty"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
}

// Validate checks the structural invariants every question must hold.
func (q Question) Validate() error {
	if len(q.Options) < MinOptions {
		return ErrNotEnoughOptions
	}
	if len(q.Options) > MaxOptions {
		return ErrTooManyOptions
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
		return ErrCorrectIndexOutOfRange
	}
	return nil
}

// QuestionFilter narrows candidate selection. Empty or "mixed" fields do not filter.
type QuestionFilter struct {
	Category     string
	Difficulty   string
	ExcludeIDs   map[string]struct{}
	NotUsedSince time.Time
}

// EventKind distinguishes multi-user tournaments from single-user timed exams.
type EventKind string

const (
	KindTournament EventKind = "tournament"
	KindExam       EventKind = "exam"
)

// EventStatus is the event lifecycle state.
type EventStatus string

const (
	StatusScheduled  EventStatus = "scheduled"
	StatusInProgress EventStatus = "in_progress"
	StatusCompleted  EventStatus = "completed"
	StatusCancelled  EventStatus = "cancelled"
)

// CanTransition reports whether moving from s to next respects the monotonic lifecycle.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AssignedQuestion is one slot of an event's immutable question snapshot.
type AssignedQuestion struct {
	Position   int    `json:"position"`
	QuestionID string `json:"questionId"`
	Source     Source `json:"source"`
}

// Event is a tournament or timed exam.
type Event struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Kind              EventKind          `json:"kind"`
	StartTime         time.Time          `json:"startTime"`
	Duration          time.Duration      `json:"duration"`
	QuestionTimeLimit time.Duration      `json:"questionTimeLimit"`
	TotalQuestions    int                `json:"totalQuestions"`
	MaxParticipants   int                `json:"maxParticipants"`
	Status            EventStatus        `json:"status"`
	Distribution      map[Source]float64 `json:"distribution"`
	Category          string             `json:"category,omitempty"`
	Difficulty        string             `json:"difficulty,omitempty"`
	AnnounceChatID    string             `json:"announceChatId,omitempty"`
	PrizePool         int                `json:"prizePool"`
	Questions         []AssignedQuestion `json:"questions"`
	Degraded          bool               `json:"degraded"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"createdAt"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
}

// Deadline is the instant after which no participant may keep answering.
func (e Event) Deadline() time.Time {
	base := e.StartTime
	if e.StartedAt != nil {
		base = *e.StartedAt
	}
	return base.Add(e.Duration)
}

// QuestionAt returns the snapshot slot at position.
func (e Event) QuestionAt(position int) (AssignedQuestion, bool) {
	if position < 0 || position >= len(e.Questions) {
		return AssignedQuestion{}, false
	}
	return e.Questions[position], true
}

// AnswerRecord is one scored (or timed-out) question of a participant.
type AnswerRecord struct {
	Position   int       `json:"position"`
	QuestionID string    `json:"questionId"`
	Selected   int       `json:"selected"`
	Correct    bool      `json:"correct"`
	TimedOut   bool      `json:"timedOut"`
	Skipped    bool      `json:"skipped,omitempty"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// Progress is the per (event, user) cursor.
type Progress struct {
	EventID           string         `json:"eventId"`
	UserID            string         `json:"userId"`
	ChatID            string         `json:"chatId"`
	DisplayName       string         `json:"displayName,omitempty"`
	CurrentIndex      int            `json:"currentIndex"`
	QuestionStartedAt *time.Time     `json:"questionStartedAt,omitempty"`
	Answers           []AnswerRecord `json:"answers"`
	CorrectCount      int            `json:"correctCount"`
	Completed         bool           `json:"completed"`
	Expired           bool           `json:"expired"`
	RegisteredAt      time.Time      `json:"registeredAt"`
	StartedAt         *time.Time     `json:"startedAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	Elapsed           time.Duration  `json:"elapsed"`
	Version           int64          `json:"version"`
}

// Started reports whether the participant received the first question.
func (p Progress) Started() bool {
	return p.StartedAt != nil
}

// PollMapping correlates a provider poll id with the question state it was sent for.
type PollMapping struct {
	PollID       string    `json:"pollId"`
	QuestionID   string    `json:"questionId"`
	CorrectIndex int       `json:"correctIndex"`
	Options      []string  `json:"options"`
	EventID      string    `json:"eventId"`
	Position     int       `json:"position"`
	ChatID       string    `json:"chatId"`
	UserID       string    `json:"userId"`
	SentAt       time.Time `json:"sentAt"`
}

// NotificationType names a countdown slot.
type NotificationType string

const (
	NotifyDayBefore   NotificationType = "REMINDER"
	NotifyCountdown60 NotificationType = "COUNTDOWN_60"
	NotifyCountdown10 NotificationType = "COUNTDOWN_10"
	NotifyCountdown5  NotificationType = "COUNTDOWN_5"
	NotifyCountdown3  NotificationType = "COUNTDOWN_3"
	NotifyCountdown1  NotificationType = "COUNTDOWN_1"
)

// NotificationStatus is the delivery state of a scheduled notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// ScheduledNotification is one countdown message of an event.
type ScheduledNotification struct {
	ID           string             `json:"id"`
	EventID      string             `json:"eventId"`
	Type         NotificationType   `json:"type"`
	ScheduledFor time.Time          `json:"scheduledFor"`
	Message      string             `json:"message"`
	Status       NotificationStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	LastError    string             `json:"lastError,omitempty"`
	SentAt       *time.Time         `json:"sentAt,omitempty"`
	Recipients   int                `json:"recipients"`
}

// NotificationOffset is one row of the countdown table.
type NotificationOffset struct {
	Type     NotificationType `yaml:"type" json:"type"`
	Before   time.Duration    `yaml:"-" json:"before"`
	Template string           `yaml:"message" json:"message"`
}

// Preferences are the per-user notification settings.
type Preferences struct {
	UserID    string `json:"userId"`
	OptedOut  bool   `json:"optedOut"`
	MaxPerDay int    `json:"maxPerDay"`
}

// JoinResult is the user-visible outcome of a registration or exam start.
type JoinResult struct {
	Joined   bool     `json:"joined"`
	Reason   string   `json:"reason,omitempty"`
	Progress Progress `json:"progress"`
}

// Join denial reasons.
const (
	ReasonEventNotFound     = "event not found"
	ReasonNotOpen           = "event is not open for registration"
	ReasonAlreadyRegistered = "already registered for this event"
	ReasonFull              = "event is full"
)
