package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "ltabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT key, data FROM chats`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		var cs ChatState
		if err := json.Unmarshal([]byte(data), &cs); err != nil {
			s.log.Warn("skipping corrupt chat row", logx.String("key", key), logx.Err(err))
			continue
		}
		snap.Chats[key] = &cs
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	grows, err := s.db.QueryContext(ctx, `SELECT key, league FROM groups`)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	defer grows.Close()
	for grows.Next() {
		var key, league string
		if err := grows.Scan(&key, &league); err != nil {
			return nil, &PersistenceError{Op: "load", Err: err}
		}
		snap.Groups[key] = league
	}
	if err := grows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	var saved string
	err = s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'saved_at'`).Scan(&saved)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, saved); perr == nil {
			snap.SavedAt = t
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	return snap, nil
}

// Save rewrites the whole snapshot in one transaction. The state is
// small (a handful of chats), so replace-all is simpler than diffing.
func (s *sqliteStore) Save(ctx context.Context, snap *Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap == nil {
		return nil
	}
	snap.SavedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chats`); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	for key, cs := range snap.Chats {
		b, err := json.Marshal(cs)
		if err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chats(key, data) VALUES(?,?)`, key, string(b)); err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM groups`); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	for key, league := range snap.Groups {
		if _, err := tx.ExecContext(ctx, `INSERT INTO groups(key, league) VALUES(?,?)`, key, league); err != nil {
			return &PersistenceError{Op: "save", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(k, v) VALUES('saved_at', ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
		snap.SavedAt.Format(time.RFC3339Nano),
	); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
