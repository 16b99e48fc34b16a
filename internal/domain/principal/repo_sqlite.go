package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type sqliteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(db *sql.DB) Repository {
	return &sqliteRepo{db: db}
}

const principalColumns = `id, username, role, display_name, specialty, password_hash, created_at`

func (r *sqliteRepo) Create(ctx context.Context, p *Principal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Username, string(p.Role), p.DisplayName, p.Specialty, p.PasswordHash,
		p.CreatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateName
	}
	return err
}

func (r *sqliteRepo) GetByID(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id.String()))
}

func (r *sqliteRepo) GetByUsername(ctx context.Context, username string) (*Principal, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE username = ?`, username))
}

func (r *sqliteRepo) ListRecipients(ctx context.Context) ([]*Principal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE role = ? ORDER BY display_name, id`, string(RoleRecipient))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *sqliteRepo) List(ctx context.Context, limit, offset int) ([]*Principal, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals ORDER BY username LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := r.scanAll(rows)
	return out, total, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) scan(row rowScanner) (*Principal, error) {
	var (
		p         Principal
		role      string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Username, &role, &p.DisplayName, &p.Specialty, &p.PasswordHash, &createdAt); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return &p, nil
}

func (r *sqliteRepo) scanOne(row *sql.Row) (*Principal, error) {
	p, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return p, nil
}

func (r *sqliteRepo) scanAll(rows *sql.Rows) ([]*Principal, error) {
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
