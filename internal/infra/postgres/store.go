package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// OpenDB opens a bun handle over the pgdriver connector.
func OpenDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Store persists events, progress and notifications. Conditional updates are
// single UPDATE ... WHERE version = ? statements.
type Store struct {
	db *bun.DB
}

var (
	_ app.EventRepository        = (*Store)(nil)
	_ app.NotificationRepository = (*Store)(nil)
	_ app.ProgressRepository     = (*Store)(nil)
)

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateEvent(ctx context.Context, event domain.Event, notifications []domain.ScheduledNotification) error {
	event.Version = 1
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(toEventModel(event)).Exec(ctx); err != nil {
			return fmt.Errorf("insert event %s: %w", event.ID, err)
		}
		if len(notifications) == 0 {
			return nil
		}
		models := make([]*notificationModel, 0, len(notifications))
		for _, n := range notifications {
			models = append(models, toNotificationModel(n))
		}
		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			return fmt.Errorf("insert notifications of %s: %w", event.ID, err)
		}
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	m := &eventModel{ID: id}
	if err := s.db.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return m.domain(), nil
}

func (s *Store) UpdateEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	prev := event.Version
	event.Version = prev + 1
	res, err := s.db.NewUpdate().
		Model(toEventModel(event)).
		WherePK().
		Where("version = ?", prev).
		Exec(ctx)
	if err != nil {
		return domain.Event{}, fmt.Errorf("update event %s: %w", event.ID, err)
	}
	if err := s.checkUpdated(ctx, res, (*eventModel)(nil), "id = ?", event.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, err
	}
	return event, nil
}

func (s *Store) ListEvents(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models).Order("start_time ASC", "id ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]domain.Event, 0, len(models))
	for i := range models {
		out = append(out, models[i].domain())
	}
	return out, nil
}

func (s *Store) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledNotification, error) {
	var models []notificationModel
	q := s.db.NewSelect().Model(&models).
		Where("status = ?", string(domain.NotificationPending)).
		Where("scheduled_for <= ?", now).
		Order("scheduled_for ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	return notificationsOf(models), nil
}

func (s *Store) ListNotificationsByEvent(ctx context.Context, eventID string) ([]domain.ScheduledNotification, error) {
	var models []notificationModel
	err := s.db.NewSelect().Model(&models).
		Where("event_id = ?", eventID).
		Order("scheduled_for ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list notifications of %s: %w", eventID, err)
	}
	return notificationsOf(models), nil
}

func (s *Store) UpdateNotification(ctx context.Context, n domain.ScheduledNotification) error {
	res, err := s.db.NewUpdate().Model(toNotificationModel(n)).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func notificationsOf(models []notificationModel) []domain.ScheduledNotification {
	out := make([]domain.ScheduledNotification, 0, len(models))
	for i := range models {
		out = append(out, models[i].domain())
	}
	return out
}

// CreateProgress locks the event row so concurrent registrations see a stable count.
func (s *Store) CreateProgress(ctx context.Context, p domain.Progress, maxParticipants int) error {
	p.Version = 1
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var id string
		err := tx.NewSelect().Model((*eventModel)(nil)).Column("id").
			Where("id = ?", p.EventID).For("UPDATE").Scan(ctx, &id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("lock event %s: %w", p.EventID, err)
		}

		exists, err := tx.NewSelect().Model((*progressModel)(nil)).
			Where("event_id = ?", p.EventID).Where("user_id = ?", p.UserID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check registration: %w", err)
		}
		if exists {
			return domain.ErrProgressExists
		}
		if maxParticipants > 0 {
			count, err := tx.NewSelect().Model((*progressModel)(nil)).Where("event_id = ?", p.EventID).Count(ctx)
			if err != nil {
				return fmt.Errorf("count participants of %s: %w", p.EventID, err)
			}
			if count >= maxParticipants {
				return domain.ErrEventFull
			}
		}
		if _, err := tx.NewInsert().Model(toProgressModel(p)).Exec(ctx); err != nil {
			return fmt.Errorf("insert progress %s/%s: %w", p.EventID, p.UserID, err)
		}
		return nil
	})
}

func (s *Store) GetProgress(ctx context.Context, eventID, userID string) (domain.Progress, error) {
	m := &progressModel{EventID: eventID, UserID: userID}
	if err := s.db.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Progress{}, domain.ErrProgressNotFound
		}
		return domain.Progress{}, fmt.Errorf("get progress %s/%s: %w", eventID, userID, err)
	}
	return m.domain(), nil
}

func (s *Store) UpdateProgress(ctx context.Context, p domain.Progress) (domain.Progress, error) {
	prev := p.Version
	p.Version = prev + 1
	res, err := s.db.NewUpdate().
		Model(toProgressModel(p)).
		WherePK().
		Where("version = ?", prev).
		Exec(ctx)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("update progress %s/%s: %w", p.EventID, p.UserID, err)
	}
	err = s.checkUpdated(ctx, res, (*progressModel)(nil), "event_id = ? AND user_id = ?", p.EventID, p.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Progress{}, domain.ErrProgressNotFound
		}
		return domain.Progress{}, err
	}
	return p, nil
}

func (s *Store) DeleteProgress(ctx context.Context, eventID, userID string) error {
	res, err := s.db.NewDelete().Model((*progressModel)(nil)).
		Where("event_id = ?", eventID).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete progress %s/%s: %w", eventID, userID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrProgressNotFound
	}
	return nil
}

func (s *Store) ListProgressByEvent(ctx context.Context, eventID string) ([]domain.Progress, error) {
	return s.listProgress(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("event_id = ?", eventID)
	})
}

func (s *Store) ListProgressByUser(ctx context.Context, userID string) ([]domain.Progress, error) {
	return s.listProgress(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID)
	})
}

func (s *Store) ListActiveProgress(ctx context.Context) ([]domain.Progress, error) {
	return s.listProgress(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("started_at IS NOT NULL").Where("NOT completed").Where("NOT expired")
	})
}

func (s *Store) listProgress(ctx context.Context, filter func(*bun.SelectQuery) *bun.SelectQuery) ([]domain.Progress, error) {
	var models []progressModel
	q := filter(s.db.NewSelect().Model(&models)).Order("registered_at ASC", "event_id ASC", "user_id ASC")
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	out := make([]domain.Progress, 0, len(models))
	for i := range models {
		out = append(out, models[i].domain())
	}
	return out, nil
}

// checkUpdated turns a zero-row conditional update into ErrVersionConflict, or
// sql.ErrNoRows when the row does not exist at all.
func (s *Store) checkUpdated(ctx context.Context, res sql.Result, model interface{}, where string, args ...interface{}) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	exists, err := s.db.NewSelect().Model(model).Where(where, args...).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check row exists: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return domain.ErrVersionConflict
}

// MappingStore keeps poll mappings in the poll_mappings table.
type MappingStore struct {
	db *bun.DB
}

var _ app.PollMappingRepository = (*MappingStore)(nil)

func NewMappingStore(db *bun.DB) *MappingStore {
	return &MappingStore{db: db}
}

func (s *MappingStore) SaveMapping(ctx context.Context, m domain.PollMapping) error {
	model := &mappingModel{
		PollID:       m.PollID,
		QuestionID:   m.QuestionID,
		CorrectIndex: m.CorrectIndex,
		Options:      m.Options,
		EventID:      m.EventID,
		Position:     m.Position,
		ChatID:       m.ChatID,
		UserID:       m.UserID,
		SentAt:       m.SentAt,
	}
	if model.Options == nil {
		model.Options = []string{}
	}
	res, err := s.db.NewInsert().Model(model).On("CONFLICT (poll_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("save poll mapping %s: %w", m.PollID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrMappingExists
	}
	return nil
}

func (s *MappingStore) GetMapping(ctx context.Context, pollID string) (domain.PollMapping, error) {
	m := &mappingModel{PollID: pollID}
	if err := s.db.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PollMapping{}, domain.ErrMappingNotFound
		}
		return domain.PollMapping{}, fmt.Errorf("get poll mapping %s: %w", pollID, err)
	}
	return domain.PollMapping{
		PollID:       m.PollID,
		QuestionID:   m.QuestionID,
		CorrectIndex: m.CorrectIndex,
		Options:      m.Options,
		EventID:      m.EventID,
		Position:     m.Position,
		ChatID:       m.ChatID,
		UserID:       m.UserID,
		SentAt:       m.SentAt,
	}, nil
}

func (s *MappingStore) DeleteMappingsByEvent(ctx context.Context, eventID string) (int, error) {
	res, err := s.db.NewDelete().Model((*mappingModel)(nil)).Where("event_id = ?", eventID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete poll mappings of %s: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PreferenceStore reads and upserts notification_preferences rows.
type PreferenceStore struct {
	db *bun.DB
}

var _ app.PreferenceStore = (*PreferenceStore)(nil)

func NewPreferenceStore(db *bun.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	m := &preferenceModel{UserID: userID}
	if err := s.db.NewSelect().Model(m).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Preferences{UserID: userID}, nil
		}
		return domain.Preferences{}, fmt.Errorf("get preferences of %s: %w", userID, err)
	}
	return domain.Preferences{UserID: m.UserID, OptedOut: m.OptedOut, MaxPerDay: m.MaxPerDay}, nil
}

func (s *PreferenceStore) SetPreferences(ctx context.Context, p domain.Preferences) error {
	_, err := s.db.NewInsert().
		Model(&preferenceModel{UserID: p.UserID, OptedOut: p.OptedOut, MaxPerDay: p.MaxPerDay}).
		On("CONFLICT (user_id) DO UPDATE").
		Set("opted_out = EXCLUDED.opted_out").
		Set("max_per_day = EXCLUDED.max_per_day").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set preferences of %s: %w", p.UserID, err)
	}
	return nil
}
