package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// sourceTables maps each question source to its bank table.
var sourceTables = map[domain.Source]string{
	domain.SourceExamYearA: "examenoficial2018",
	domain.SourceExamYearB: "examenoficial2024",
	domain.SourceValidated: "validquestion",
	domain.SourceSection:   "sectionquestion",
}

// QuestionSource reads one question bank table with raw SQL.
type QuestionSource struct {
	pool   *pgxpool.Pool
	source domain.Source
	table  string
}

var _ app.QuestionSource = (*QuestionSource)(nil)

func NewQuestionSource(pool *pgxpool.Pool, source domain.Source) (*QuestionSource, error) {
	table, ok := sourceTables[source]
	if !ok {
		return nil, fmt.Errorf("no question table for source %s", source)
	}
	return &QuestionSource{pool: pool, source: source, table: table}, nil
}

// NewQuestionSources builds an adapter for every known source.
func NewQuestionSources(pool *pgxpool.Pool) []app.QuestionSource {
	out := make([]app.QuestionSource, 0, len(domain.Sources))
	for _, source := range domain.Sources {
		s, err := NewQuestionSource(pool, source)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (s *QuestionSource) Source() domain.Source {
	return s.source
}

const questionColumns = `id, external_ref, question, options, correct_answer_index, category, difficulty,
	times_used, last_used_in_event, last_used_at`

func (s *QuestionSource) FetchCandidates(ctx context.Context, filter domain.QuestionFilter, limit int) ([]domain.Question, error) {
	exclude := make([]string, 0, len(filter.ExcludeIDs))
	for id := range filter.ExcludeIDs {
		exclude = append(exclude, id)
	}
	var notUsedSince *time.Time
	if !filter.NotUsedSince.IsZero() {
		notUsedSince = &filter.NotUsedSince
	}

	rows, err := s.pool.Query(ctx, `SELECT `+questionColumns+` FROM `+s.table+`
		WHERE is_active
		  AND ($1 = '' OR lower(category) = lower($1))
		  AND ($2 = '' OR lower(difficulty) = lower($2))
		  AND NOT (id = ANY($3::text[]))
		  AND ($4::timestamptz IS NULL OR last_used_at IS NULL OR last_used_at <= $4)
		ORDER BY times_used ASC, last_used_at ASC NULLS FIRST, length(id) ASC, id ASC
		LIMIT $5`,
		filter.Category, filter.Difficulty, exclude, notUsedSince, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s candidates: %w", s.table, err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		q, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s candidates: %w", s.table, err)
	}
	return out, nil
}

func (s *QuestionSource) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+questionColumns+` FROM `+s.table+` WHERE id = $1`, id)
	q, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, err
}

// MarkUsed bumps the counters in one statement so concurrent events never lose an increment.
func (s *QuestionSource) MarkUsed(ctx context.Context, ids []string, eventID string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE `+s.table+`
		SET times_used = times_used + 1, last_used_in_event = $2, last_used_at = $3
		WHERE id = ANY($1::text[])`, ids, eventID, at)
	if err != nil {
		return fmt.Errorf("mark %s questions used: %w", s.table, err)
	}
	return nil
}

func (s *QuestionSource) scan(row pgx.Row) (domain.Question, error) {
	var (
		q          domain.Question
		rawOptions string
		lastUsedAt *time.Time
	)
	err := row.Scan(&q.ID, &q.ExternalRef, &q.Prompt, &rawOptions, &q.CorrectIndex, &q.Category, &q.Difficulty,
		&q.TimesUsed, &q.LastUsedInEventID, &lastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Question{}, err
		}
		return domain.Question{}, fmt.Errorf("scan %s question: %w", s.table, err)
	}
	q.Source = s.source
	q.LastUsedAt = lastUsedAt

	// malformed option lists are left to the sanitizer, which rejects them at send time
	q.Options, err = app.ParseOptions(rawOptions)
	if err != nil {
		log.Printf("question %s/%s options: %v", s.table, q.ID, err)
	}
	return q, nil
}
