package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const assessmentCols = `id, patient_id, template_id, template_version, status,
	answers, results, facts, decision, fallback, recommendation_status,
	fingerprint, created_by, completed_at, created_at, updated_at`

// jsonColumns holds the encoded JSONB columns of an assessment.
type jsonColumns struct {
	answers, results, facts, decision, fallback []byte
}

func encodeColumns(a *Assessment) (jsonColumns, error) {
	var cols jsonColumns
	var err error
	if cols.answers, err = json.Marshal(a.Answers); err != nil {
		return cols, fmt.Errorf("encode answers: %w", err)
	}
	if cols.results, err = marshalOptional(a.Results, a.Results == nil); err != nil {
		return cols, fmt.Errorf("encode results: %w", err)
	}
	if cols.facts, err = marshalOptional(a.Facts, a.Facts == nil); err != nil {
		return cols, fmt.Errorf("encode facts: %w", err)
	}
	if cols.decision, err = marshalOptional(a.Decision, a.Decision == nil); err != nil {
		return cols, fmt.Errorf("encode decision: %w", err)
	}
	if cols.fallback, err = marshalOptional(a.Fallback, a.Fallback == nil); err != nil {
		return cols, fmt.Errorf("encode fallback: %w", err)
	}
	return cols, nil
}

func marshalOptional(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (cols jsonColumns) decode(a *Assessment) error {
	a.Answers = answer.NewStore()
	if len(cols.answers) > 0 {
		if err := json.Unmarshal(cols.answers, a.Answers); err != nil {
			return fmt.Errorf("decode answers: %w", err)
		}
	}
	if len(cols.results) > 0 {
		if err := json.Unmarshal(cols.results, &a.Results); err != nil {
			return fmt.Errorf("decode results: %w", err)
		}
	}
	if len(cols.facts) > 0 {
		if err := json.Unmarshal(cols.facts, &a.Facts); err != nil {
			return fmt.Errorf("decode facts: %w", err)
		}
	}
	if len(cols.decision) > 0 {
		if err := json.Unmarshal(cols.decision, &a.Decision); err != nil {
			return fmt.Errorf("decode decision: %w", err)
		}
	}
	if len(cols.fallback) > 0 {
		if err := json.Unmarshal(cols.fallback, &a.Fallback); err != nil {
			return fmt.Errorf("decode fallback: %w", err)
		}
	}
	return nil
}

func (r *repoPG) scan(row pgx.Row) (*Assessment, error) {
	var a Assessment
	var cols jsonColumns
	var recStatus, fingerprint, createdBy *string
	err := row.Scan(&a.ID, &a.PatientID, &a.TemplateID, &a.TemplateVersion, &a.Status,
		&cols.answers, &cols.results, &cols.facts, &cols.decision, &cols.fallback, &recStatus,
		&fingerprint, &createdBy, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if recStatus != nil {
		a.RecommendationStatus = RecommendationStatus(*recStatus)
	}
	if fingerprint != nil {
		a.Fingerprint = *fingerprint
	}
	if createdBy != nil {
		a.CreatedBy = *createdBy
	}
	if err := cols.decode(&a); err != nil {
		return nil, fmt.Errorf("assessment %s: %w", a.ID, err)
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Create(ctx context.Context, a *Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cols, err := encodeColumns(a)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO assessment (id, patient_id, template_id, template_version, status,
			answers, results, facts, decision, fallback, recommendation_status,
			fingerprint, created_by, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.PatientID, a.TemplateID, a.TemplateVersion, a.Status,
		cols.answers, cols.results, cols.facts, cols.decision, cols.fallback,
		nullable(string(a.RecommendationStatus)), nullable(a.Fingerprint), nullable(a.CreatedBy),
		a.CompletedAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+assessmentCols+` FROM assessment WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, a *Assessment, from Status) error {
	a.UpdatedAt = time.Now().UTC()
	cols, err := encodeColumns(a)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment SET status=$2, answers=$3, results=$4, facts=$5, decision=$6,
			fallback=$7, recommendation_status=$8, fingerprint=$9, completed_at=$10, updated_at=$11
		WHERE id = $1 AND status = $12`,
		a.ID, a.Status, cols.answers, cols.results, cols.facts, cols.decision, cols.fallback,
		nullable(string(a.RecommendationStatus)), nullable(a.Fingerprint), a.CompletedAt, a.UpdatedAt, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current Status
	err = r.conn(ctx).QueryRow(ctx, `SELECT status FROM assessment WHERE id = $1`, a.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", ErrClosed, current)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM assessment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM assessment WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Assessment
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
