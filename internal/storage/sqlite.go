package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/example/streamauth/internal/principal"
)

// SQLiteDB stores principals in a SQLite file. The schema is created on open.
type SQLiteDB struct {
	db   *sql.DB
	path string
}

var _ DB = (*SQLiteDB)(nil)

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLITE_BUSY out of concurrent signups
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE CHECK (email = lower(email)),
			password_hash TEXT,
			full_name TEXT,
			picture TEXT,
			google_id TEXT UNIQUE,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) Create(ctx context.Context, p *principal.Principal) (*principal.Principal, error) {
	now := time.Now().UTC().Truncate(time.Second)
	email := principal.NormalizeEmail(p.Email)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username,email,password_hash,full_name,picture,google_id,created_at) VALUES(?,?,?,?,?,?,?)`,
		p.Username, email, nullable(p.PasswordHash), nullable(p.DisplayName), nullable(p.Picture), nullable(p.GoogleID), now.Unix())
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, principal.ErrConflict
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	out := *p
	out.Email = email
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

func (s *SQLiteDB) FindByIdentifier(ctx context.Context, identifier string) (*principal.Principal, error) {
	if principal.IsEmail(identifier) {
		return s.FindByEmail(ctx, identifier)
	}
	return s.one(ctx, selectPrincipal+` WHERE username = ? LIMIT 1`, identifier)
}

func (s *SQLiteDB) FindByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	return s.one(ctx, selectPrincipal+` WHERE email = ? LIMIT 1`, principal.NormalizeEmail(email))
}

func (s *SQLiteDB) FindByID(ctx context.Context, id int64) (*principal.Principal, error) {
	return s.one(ctx, selectPrincipal+` WHERE id = ? LIMIT 1`, id)
}

func (s *SQLiteDB) one(ctx context.Context, query string, args ...any) (*principal.Principal, error) {
	var (
		u                         principal.Principal
		hash, name, pic, googleID sql.NullString
		created                   int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.Email, &hash, &name, &pic, &googleID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, principal.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.PasswordHash, u.DisplayName, u.Picture, u.GoogleID = hash.String, name.String, pic.String, googleID.String
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteDB) Close() error                   { return s.db.Close() }

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
