package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// DB holds the two connection pools of one database: a reader pool and a
// single-connection writer whose transactions start with BEGIN IMMEDIATE.
// WAL mode lets readers proceed alongside the one active writer; a writer
// that cannot take the lock within the busy timeout fails with SQLITE_BUSY,
// which the store surfaces as ErrBusy.
type DB struct {
	Reader *sql.DB
	Writer *sql.DB
	Path   string
}

// Open opens the database at path with WAL journaling, enforced foreign keys
// and the given busy timeout.
func Open(path string, busyTimeout time.Duration) (*DB, error) {
	if path == "" {
		path = "shrike.db"
	}
	ms := busyTimeout.Milliseconds()
	if ms <= 0 {
		ms = 5000
	}

	dsn := func(txlock string) string {
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "synchronous(NORMAL)")
		if txlock != "" {
			q.Set("_txlock", txlock)
		}
		return "file:" + path + "?" + q.Encode()
	}

	reader, err := sql.Open("sqlite", dsn(""))
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(8)
	reader.SetConnMaxLifetime(30 * time.Minute)

	writer, err := sql.Open("sqlite", dsn("immediate"))
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{Reader: reader, Writer: writer, Path: path}, nil
}

// Close releases both pools.
func (d *DB) Close() error {
	werr := d.Writer.Close()
	rerr := d.Reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
