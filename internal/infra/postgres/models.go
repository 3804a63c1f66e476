package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"tournament-engine/internal/domain"
)

type eventModel struct {
	bun.BaseModel `bun:"table:events"`

	ID                string                    `bun:"id,pk"`
	Name              string                    `bun:"name,notnull"`
	Kind              string                    `bun:"kind,notnull"`
	StartTime         time.Time                 `bun:"start_time,notnull"`
	Duration          time.Duration             `bun:"duration,notnull"`
	QuestionTimeLimit time.Duration             `bun:"question_time_limit,notnull"`
	TotalQuestions    int                       `bun:"total_questions,notnull"`
	MaxParticipants   int                       `bun:"max_participants,notnull"`
	Status            string                    `bun:"status,notnull"`
	Distribution      map[domain.Source]float64 `bun:"distribution,type:jsonb,notnull"`
	Category          string                    `bun:"category,notnull"`
	Difficulty        string                    `bun:"difficulty,notnull"`
	AnnounceChatID    string                    `bun:"announce_chat_id,notnull"`
	PrizePool         int                       `bun:"prize_pool,notnull"`
	Questions         []domain.AssignedQuestion `bun:"questions,type:jsonb,notnull"`
	Degraded          bool                      `bun:"degraded,notnull"`
	Version           int64                     `bun:"version,notnull"`
	CreatedAt         time.Time                 `bun:"created_at,notnull"`
	StartedAt         *time.Time                `bun:"started_at"`
	CompletedAt       *time.Time                `bun:"completed_at"`
}

func toEventModel(e domain.Event) *eventModel {
	questions := e.Questions
	if questions == nil {
		questions = []domain.AssignedQuestion{}
	}
	return &eventModel{
		ID:                e.ID,
		Name:              e.Name,
		Kind:              string(e.Kind),
		StartTime:         e.StartTime,
		Duration:          e.Duration,
		QuestionTimeLimit: e.QuestionTimeLimit,
		TotalQuestions:    e.TotalQuestions,
		MaxParticipants:   e.MaxParticipants,
		Status:            string(e.Status),
		Distribution:      e.Distribution,
		Category:          e.Category,
		Difficulty:        e.Difficulty,
		AnnounceChatID:    e.AnnounceChatID,
		PrizePool:         e.PrizePool,
		Questions:         questions,
		Degraded:          e.Degraded,
		Version:           e.Version,
		CreatedAt:         e.CreatedAt,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
	}
}

func (m *eventModel) domain() domain.Event {
	return domain.Event{
		ID:                m.ID,
		Name:              m.Name,
		Kind:              domain.EventKind(m.Kind),
		StartTime:         m.StartTime,
		Duration:          m.Duration,
		QuestionTimeLimit: m.QuestionTimeLimit,
		TotalQuestions:    m.TotalQuestions,
		MaxParticipants:   m.MaxParticipants,
		Status:            domain.EventStatus(m.Status),
		Distribution:      m.Distribution,
		Category:          m.Category,
		Difficulty:        m.Difficulty,
		AnnounceChatID:    m.AnnounceChatID,
		PrizePool:         m.PrizePool,
		Questions:         m.Questions,
		Degraded:          m.Degraded,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
	}
}

type progressModel struct {
	bun.BaseModel `bun:"table:progress"`

	EventID           string                `bun:"event_id,pk"`
	UserID            string                `bun:"user_id,pk"`
	ChatID            string                `bun:"chat_id,notnull"`
	DisplayName       string                `bun:"display_name,notnull"`
	CurrentIndex      int                   `bun:"current_index,notnull"`
	QuestionStartedAt *time.Time            `bun:"question_started_at"`
	Answers           []domain.AnswerRecord `bun:"answers,type:jsonb,notnull"`
	CorrectCount      int                   `bun:"correct_count,notnull"`
	Completed         bool                  `bun:"completed,notnull"`
	Expired           bool                  `bun:"expired,notnull"`
	RegisteredAt      time.Time             `bun:"registered_at,notnull"`
	StartedAt         *time.Time            `bun:"started_at"`
	CompletedAt       *time.Time            `bun:"completed_at"`
	Elapsed           time.Duration         `bun:"elapsed,notnull"`
	Version           int64                 `bun:"version,notnull"`
}

func toProgressModel(p domain.Progress) *progressModel {
	answers := p.Answers
	if answers == nil {
		answers = []domain.AnswerRecord{}
	}
	return &progressModel{
		EventID:           p.EventID,
		UserID:            p.UserID,
		ChatID:            p.ChatID,
		DisplayName:       p.DisplayName,
		CurrentIndex:      p.CurrentIndex,
		QuestionStartedAt: p.QuestionStartedAt,
		Answers:           answers,
		CorrectCount:      p.CorrectCount,
		Completed:         p.Completed,
		Expired:           p.Expired,
		RegisteredAt:      p.RegisteredAt,
		StartedAt:         p.StartedAt,
		CompletedAt:       p.CompletedAt,
		Elapsed:           p.Elapsed,
		Version:           p.Version,
	}
}

func (m *progressModel) domain() domain.Progress {
	return domain.Progress{
		EventID:           m.EventID,
		UserID:            m.UserID,
		ChatID:            m.ChatID,
		DisplayName:       m.DisplayName,
		CurrentIndex:      m.CurrentIndex,
		QuestionStartedAt: m.QuestionStartedAt,
		Answers:           m.Answers,
		CorrectCount:      m.CorrectCount,
		Completed:         m.Completed,
		Expired:           m.Expired,
		RegisteredAt:      m.RegisteredAt,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		Elapsed:           m.Elapsed,
		Version:           m.Version,
	}
}

type notificationModel struct {
	bun.BaseModel `bun:"table:scheduled_notifications"`

	ID           string     `bun:"id,pk"`
	EventID      string     `bun:"event_id,notnull"`
	Type         string     `bun:"type,notnull"`
	ScheduledFor time.Time  `bun:"scheduled_for,notnull"`
	Message      string     `bun:"message,notnull"`
	Status       string     `bun:"status,notnull"`
	Attempts     int        `bun:"attempts,notnull"`
	LastError    string     `bun:"last_error,notnull"`
	SentAt       *time.Time `bun:"sent_at"`
	Recipients   int        `bun:"recipients,notnull"`
}

func toNotificationModel(n domain.ScheduledNotification) *notificationModel {
	return &notificationModel{
		ID:           n.ID,
		EventID:      n.EventID,
		Type:         string(n.Type),
		ScheduledFor: n.ScheduledFor,
		Message:      n.Message,
		Status:       string(n.Status),
		Attempts:     n.Attempts,
		LastError:    n.LastError,
		SentAt:       n.SentAt,
		Recipients:   n.Recipients,
	}
}

func (m *notificationModel) domain() domain.ScheduledNotification {
	return domain.ScheduledNotification{
		ID:           m.ID,
		EventID:      m.EventID,
		Type:         domain.NotificationType(m.Type),
		ScheduledFor: m.ScheduledFor,
		Message:      m.Message,
		Status:       domain.NotificationStatus(m.Status),
		Attempts:     m.Attempts,
		LastError:    m.LastError,
		SentAt:       m.SentAt,
		Recipients:   m.Recipients,
	}
}

type mappingModel struct {
	bun.BaseModel `bun:"table:poll_mappings"`

	PollID       string    `bun:"poll_id,pk"`
	QuestionID   string    `bun:"question_id,notnull"`
	CorrectIndex int       `bun:"correct_index,notnull"`
	Options      []string  `bun:"options,type:jsonb,notnull"`
	EventID      string    `bun:"event_id,notnull"`
	Position     int       `bun:"position,notnull"`
	ChatID       string    `bun:"chat_id,notnull"`
	UserID       string    `bun:"user_id,notnull"`
	SentAt       time.Time `bun:"sent_at,notnull"`
}

type preferenceModel struct {
	bun.BaseModel `bun:"table:notification_preferences"`

	UserID    string `bun:"user_id,pk"`
	OptedOut  bool   `bun:"opted_out,notnull"`
	MaxPerDay int    `bun:"max_per_day,notnull"`
}
