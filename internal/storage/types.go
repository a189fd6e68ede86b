package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-lifetime map (also used when Driver is empty or "none")
//   - "file": JSON snapshot + JSONL journal next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal writes between compactions
}

// Store is the persistence API used by the app and the timed providers.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records one finished command process.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	PID           int       `json:"pid"`
	Command       string    `json:"command"`
	Raw           string    `json:"raw,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	Cause         string    `json:"cause,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
