package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/streamauth/internal/principal"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

var _ DB = (*PostgresDB)(nil)

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func (p *PostgresDB) Create(ctx context.Context, u *principal.Principal) (*principal.Principal, error) {
	out := *u
	out.Email = principal.NormalizeEmail(u.Email)
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(username,email,password_hash,full_name,picture,google_id) VALUES($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		out.Username, out.Email, nullable(u.PasswordHash), nullable(u.DisplayName), nullable(u.Picture), nullable(u.GoogleID),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, principal.ErrConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &out, nil
}

func (p *PostgresDB) FindByIdentifier(ctx context.Context, identifier string) (*principal.Principal, error) {
	if principal.IsEmail(identifier) {
		return p.FindByEmail(ctx, identifier)
	}
	return p.one(ctx, selectPrincipal+` WHERE username = $1 LIMIT 1`, identifier)
}

func (p *PostgresDB) FindByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	return p.one(ctx, selectPrincipal+` WHERE email = $1 LIMIT 1`, principal.NormalizeEmail(email))
}

func (p *PostgresDB) FindByID(ctx context.Context, id int64) (*principal.Principal, error) {
	return p.one(ctx, selectPrincipal+` WHERE id = $1 LIMIT 1`, id)
}

func (p *PostgresDB) one(ctx context.Context, query string, args ...any) (*principal.Principal, error) {
	var u principal.Principal
	var hash, name, pic, googleID sql.NullString
	err := p.db.QueryRowContext(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.Email, &hash, &name, &pic, &googleID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, principal.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.PasswordHash, u.DisplayName, u.Picture, u.GoogleID = hash.String, name.String, pic.String, googleID.String
	return &u, nil
}

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresDB) Close() error                   { return p.db.Close() }
