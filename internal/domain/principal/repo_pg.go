package principal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediassist/mediassist/internal/platform/db"
)

type principalRepoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &principalRepoPG{pool: pool}
}

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *principalRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *principalRepoPG) Create(ctx context.Context, p *Principal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO principals (id, username, role, display_name, specialty, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.Username, string(p.Role), p.DisplayName, p.Specialty, p.PasswordHash,
	).Scan(&p.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateName
	}
	return err
}

func (r *principalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
}

func (r *principalRepoPG) GetByUsername(ctx context.Context, username string) (*Principal, error) {
	return r.scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE username = $1`, username))
}

func (r *principalRepoPG) ListRecipients(ctx context.Context) ([]*Principal, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE role = $1 ORDER BY display_name, id`, string(RoleRecipient))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *principalRepoPG) List(ctx context.Context, limit, offset int) ([]*Principal, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM principals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+principalColumns+` FROM principals ORDER BY username LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := r.scanAll(rows)
	return out, total, err
}

func (r *principalRepoPG) scan(row pgx.Row) (*Principal, error) {
	var (
		p    Principal
		role string
	)
	if err := row.Scan(&p.ID, &p.Username, &role, &p.DisplayName, &p.Specialty, &p.PasswordHash, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	return &p, nil
}

func (r *principalRepoPG) scanOne(row pgx.Row) (*Principal, error) {
	p, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return p, nil
}

func (r *principalRepoPG) scanAll(rows pgx.Rows) ([]*Principal, error) {
	var out []*Principal
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
