package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pagpeter/redirector/pkg/types"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS requests (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	time          INTEGER NOT NULL,
	ip            TEXT,
	method        TEXT NOT NULL,
	path          TEXT NOT NULL,
	location      TEXT NOT NULL,
	status        INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	ttl           INTEGER,
	tcp_window    INTEGER,
	mss           INTEGER,
	options_order TEXT
)`

const sqliteIndex = `CREATE INDEX IF NOT EXISTS requests_time ON requests (time)`

const sqliteInsert = `INSERT INTO requests
	(time, ip, method, path, location, status, success, ttl, tcp_window, mss, options_order)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores access records in a local SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{sqliteSchema, sqliteIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) SaveRequests(ctx context.Context, logs []types.RequestLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range logs {
		var ip, ttl, window, mss, order any
		if r.IP != "" {
			ip = r.IP
		}
		if r.TCPIP != nil {
			ttl = r.TCPIP.IP.TTL
			window = r.TCPIP.TCP.Window
			mss = r.TCPIP.TCP.MSS
			order = r.TCPIP.TCP.OptionsOrder
		}
		if _, err := stmt.ExecContext(ctx, r.Time, ip, r.Method, r.Path, r.Location,
			r.Status, r.Success, ttl, window, mss, order); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close(ctx context.Context) error {
	return s.db.Close()
}
