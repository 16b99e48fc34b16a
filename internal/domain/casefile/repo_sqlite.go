package casefile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/platform/db"
)

// SQLiteStore keeps cases in an embedded SQLite database opened with
// db.OpenSQLite (WAL, synchronous=FULL).
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	opts  options
}

func NewSQLiteStore(sqlDB *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: sqlDB, locks: newKeyedMutex(), opts: newOptions(opts)}
}

const caseColumnsSQLite = `id, submitter_id, recipient_id, created_at, intake, intake_sealed, record,
	status, failure_kind, failure_detail, provider, model, prompt_digest, attempts, latency_ms, finalized_at`

func (s *SQLiteStore) Create(ctx context.Context, in intake.Intake, submitterID uuid.UUID) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	blob, sealed, err := s.opts.encodeIntake(in)
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	now := s.opts.now()

	err = db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cases (id, submitter_id, created_at, intake, intake_sealed, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id.String(), submitterID.String(), now.UnixNano(), blob, sealed, string(StatusPending),
		); err != nil {
			return err
		}
		return insertAuditSQLite(ctx, tx, id, "", StatusPending, "created", now)
	})
	if err != nil {
		return uuid.Nil, classify("create case", err)
	}
	return id, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	record, err := json.Marshal(c.Record)
	if err != nil {
		return classify("complete case", err)
	}
	var recipient sql.NullString
	if c.RecipientID != nil {
		recipient = sql.NullString{String: c.RecipientID.String(), Valid: true}
	}

	unlock := s.locks.lock(id)
	defer unlock()

	now := s.opts.now()
	err = db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cases SET
				status = ?, record = ?, recipient_id = ?,
				provider = ?, model = ?, prompt_digest = ?, attempts = ?, latency_ms = ?,
				finalized_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusCompleted), string(record), recipient,
			c.Provenance.Provider, c.Provenance.Model, c.Provenance.PromptDigest,
			c.Provenance.Attempts, c.Provenance.LatencyMS,
			now.UnixNano(), id.String(), string(StatusPending),
		)
		if err != nil {
			return err
		}
		if err := s.checkTransition(ctx, tx, id, res); err != nil {
			return err
		}
		return insertAuditSQLite(ctx, tx, id, StatusPending, StatusCompleted, completionDetail(c), now)
	})
	return classify("complete case", err)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id uuid.UUID, f Failure) error {
	unlock := s.locks.lock(id)
	defer unlock()

	now := s.opts.now()
	err := db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cases SET
				status = ?, failure_kind = ?, failure_detail = ?,
				provider = ?, model = ?, prompt_digest = ?, attempts = ?, latency_ms = ?,
				finalized_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusFailed), string(f.Kind), f.Detail,
			f.Provenance.Provider, f.Provenance.Model, f.Provenance.PromptDigest,
			f.Provenance.Attempts, f.Provenance.LatencyMS,
			now.UnixNano(), id.String(), string(StatusPending),
		)
		if err != nil {
			return err
		}
		if err := s.checkTransition(ctx, tx, id, res); err != nil {
			return err
		}
		return insertAuditSQLite(ctx, tx, id, StatusPending, StatusFailed, failureDetail(f), now)
	})
	return classify("mark case failed", err)
}

// checkTransition turns a guarded UPDATE that matched no row into
// ErrNotFound or ErrInvalidState.
func (s *SQLiteStore) checkTransition(ctx context.Context, tx *sql.Tx, id uuid.UUID, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cases WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: case is %s", ErrInvalidState, status)
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumnsSQLite+` FROM cases WHERE id = ?`, id.String())
	c, err := s.scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get case", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListFor(ctx context.Context, principalID uuid.UUID, role principal.Role, limit, offset int) ([]*Case, int, error) {
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE `+column+` = ?`, principalID.String()).Scan(&total)
	if err != nil {
		return nil, 0, classify("list cases", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+caseColumnsSQLite+` FROM cases WHERE `+column+` = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		principalID.String(), limit, offset)
	if err != nil {
		return nil, 0, classify("list cases", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := s.scanCase(rows)
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

func (s *SQLiteStore) AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, case_id, old_status, new_status, detail, recorded_at
		FROM case_audit WHERE case_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, classify("audit trail", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			oldStatus sql.NullString
			newStatus string
			at        int64
		)
		if err := rows.Scan(&e.Seq, &e.CaseID, &oldStatus, &newStatus, &e.Detail, &at); err != nil {
			return nil, classify("audit trail", err)
		}
		e.OldStatus = Status(oldStatus.String)
		e.NewStatus = Status(newStatus)
		e.RecordedAt = time.Unix(0, at).UTC()
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

func (s *SQLiteStore) ListStalePending(ctx context.Context, createdBefore time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM cases WHERE status = ? AND created_at < ? ORDER BY created_at`,
		string(StatusPending), createdBefore.UnixNano())
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

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCase(row rowScanner) (*Case, error) {
	var (
		c            Case
		recipient    uuid.NullUUID
		createdAt    int64
		blob         []byte
		sealed       bool
		record       sql.NullString
		status       string
		kind, detail sql.NullString
		finalizedAt  sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.SubmitterID, &recipient, &createdAt, &blob, &sealed, &record,
		&status, &kind, &detail,
		&c.Provenance.Provider, &c.Provenance.Model, &c.Provenance.PromptDigest,
		&c.Provenance.Attempts, &c.Provenance.LatencyMS, &finalizedAt,
	)
	if err != nil {
		return nil, err
	}

	if recipient.Valid {
		c.RecipientID = &recipient.UUID
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.Status = Status(status)
	c.FailureKind = FailureKind(kind.String)
	c.FailureDetail = detail.String
	if finalizedAt.Valid {
		t := time.Unix(0, finalizedAt.Int64).UTC()
		c.FinalizedAt = &t
	}

	if c.Intake, err = s.opts.decodeIntake(blob, sealed); err != nil {
		return nil, err
	}
	if record.Valid {
		var rec schema.Record
		if err := json.Unmarshal([]byte(record.String), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		c.Record = &rec
	}
	return &c, nil
}

func insertAuditSQLite(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to Status, detail string, at time.Time) error {
	var old sql.NullString
	if from != "" {
		old = sql.NullString{String: string(from), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO case_audit (case_id, old_status, new_status, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		id.String(), old, string(to), detail, at.UnixNano())
	return err
}
