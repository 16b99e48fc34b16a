package casefile

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

	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/platform/db"
)

type caseRepoPG struct {
	pool  *pgxpool.Pool
	locks *keyedMutex
	opts  options
}

// NewPGStore returns a Store backed by Postgres. Writes run with
// synchronous_commit on, so a successful return means the WAL is flushed.
func NewPGStore(pool *pgxpool.Pool, opts ...Option) Store {
	return &caseRepoPG{pool: pool, locks: newKeyedMutex(), opts: newOptions(opts)}
}

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const caseColumnsPG = `id, submitter_id, recipient_id, created_at, intake, intake_sealed, record,
	status, failure_kind, failure_detail, provider, model, prompt_digest, attempts, latency_ms, finalized_at`

func (r *caseRepoPG) Create(ctx context.Context, in intake.Intake, submitterID uuid.UUID) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	blob, sealed, err := r.opts.encodeIntake(in)
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	now := r.opts.now()

	err = db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SET LOCAL synchronous_commit = on`); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO cases (id, submitter_id, created_at, intake, intake_sealed, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, submitterID, now, blob, sealed, string(StatusPending),
		); err != nil {
			return err
		}
		return insertAuditPG(ctx, q, id, "", StatusPending, "created", now)
	})
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	return id, nil
}

func (r *caseRepoPG) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	record, err := json.Marshal(c.Record)
	if err != nil {
		return classify("complete case", err)
	}

	unlock := r.locks.lock(id)
	defer unlock()

	now := r.opts.now()
	err = r.transition(ctx, id, func(ctx context.Context, q queryable) error {
		if _, err := q.Exec(ctx, `
			UPDATE cases SET
				status = $2, record = $3, recipient_id = $4,
				provider = $5, model = $6, prompt_digest = $7, attempts = $8, latency_ms = $9,
				finalized_at = $10
			WHERE id = $1`,
			id, string(StatusCompleted), record, c.RecipientID,
			c.Provenance.Provider, c.Provenance.Model, c.Provenance.PromptDigest,
			c.Provenance.Attempts, c.Provenance.LatencyMS, now,
		); err != nil {
			return err
		}
		return insertAuditPG(ctx, q, id, StatusPending, StatusCompleted, completionDetail(c), now)
	})
	return classify("complete case", err)
}

func (r *caseRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, f Failure) error {
	unlock := r.locks.lock(id)
	defer unlock()

	now := r.opts.now()
	err := r.transition(ctx, id, func(ctx context.Context, q queryable) error {
		if _, err := q.Exec(ctx, `
			UPDATE cases SET
				status = $2, failure_kind = $3, failure_detail = $4,
				provider = $5, model = $6, prompt_digest = $7, attempts = $8, latency_ms = $9,
				finalized_at = $10
			WHERE id = $1`,
			id, string(StatusFailed), string(f.Kind), f.Detail,
			f.Provenance.Provider, f.Provenance.Model, f.Provenance.PromptDigest,
			f.Provenance.Attempts, f.Provenance.LatencyMS, now,
		); err != nil {
			return err
		}
		return insertAuditPG(ctx, q, id, StatusPending, StatusFailed, failureDetail(f), now)
	})
	return classify("mark case failed", err)
}

// transition locks the case row, checks it is still pending, and runs apply
// in the same transaction. The row lock covers other processes sharing the
// database; the keyed mutex only covers this one.
func (r *caseRepoPG) transition(ctx context.Context, id uuid.UUID, apply func(ctx context.Context, q queryable) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SET LOCAL synchronous_commit = on`); err != nil {
			return err
		}

		var status string
		err := q.QueryRow(ctx, `SELECT status FROM cases WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if Status(status) != StatusPending {
			return fmt.Errorf("%w: case is %s", ErrInvalidState, status)
		}
		return apply(ctx, q)
	})
}

func (r *caseRepoPG) Get(ctx context.Context, id uuid.UUID) (*Case, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseColumnsPG+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get case", err)
	}
	return c, nil
}

func (r *caseRepoPG) ListFor(ctx context.Context, principalID uuid.UUID, role principal.Role, limit, offset int) ([]*Case, int, error) {
	var column string
	switch role {
	case principal.RoleSubmitter:
		column = "submitter_id"
	case principal.RoleRecipient:
		column = "recipient_id"
	default:
		return nil, 0, nil
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cases WHERE `+column+` = $1`, principalID).Scan(&total)
	if err != nil {
		return nil, 0, classify("list cases", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+caseColumnsPG+` FROM cases WHERE `+column+` = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, principalID, limit, offset)
	if err != nil {
		return nil, 0, classify("list cases", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, classify("list cases", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("list cases", err)
	}
	return cases, total, nil
}

func (r *caseRepoPG) AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT seq, case_id, old_status, new_status, detail, recorded_at
		FROM case_audit WHERE case_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, classify("audit trail", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			oldStatus *string
			newStatus string
		)
		if err := rows.Scan(&e.Seq, &e.CaseID, &oldStatus, &newStatus, &e.Detail, &e.RecordedAt); err != nil {
			return nil, classify("audit trail", err)
		}
		if oldStatus != nil {
			e.OldStatus = Status(*oldStatus)
		}
		e.NewStatus = Status(newStatus)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("audit trail", err)
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (r *caseRepoPG) ListStalePending(ctx context.Context, createdBefore time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM cases WHERE status = $1 AND created_at < $2 ORDER BY created_at`,
		string(StatusPending), createdBefore)
	if err != nil {
		return nil, classify("list stale cases", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list stale cases", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list stale cases", err)
	}
	return ids, nil
}

func (r *caseRepoPG) scanCase(row pgx.Row) (*Case, error) {
	var (
		c            Case
		blob         []byte
		sealed       bool
		record       []byte
		status       string
		kind, detail *string
	)
	err := row.Scan(
		&c.ID, &c.SubmitterID, &c.RecipientID, &c.CreatedAt, &blob, &sealed, &record,
		&status, &kind, &detail,
		&c.Provenance.Provider, &c.Provenance.Model, &c.Provenance.PromptDigest,
		&c.Provenance.Attempts, &c.Provenance.LatencyMS, &c.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	if kind != nil {
		c.FailureKind = FailureKind(*kind)
	}
	if detail != nil {
		c.FailureDetail = *detail
	}
	if c.Intake, err = r.opts.decodeIntake(blob, sealed); err != nil {
		return nil, err
	}
	if record != nil {
		var rec schema.Record
		if err := json.Unmarshal(record, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		c.Record = &rec
	}
	return &c, nil
}

func insertAuditPG(ctx context.Context, q queryable, id uuid.UUID, from, to Status, detail string, at time.Time) error {
	var old *string
	if from != "" {
		s := string(from)
		old = &s
	}
	_, err := q.Exec(ctx, `
		INSERT INTO case_audit (case_id, old_status, new_status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, old, string(to), detail, at)
	return err
}
