// Package audit records every world action in the sqlite journal.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sources of an action.
const (
	SourceDiscord   = "discord"
	SourceHTTP      = "http"
	SourceScheduler = "scheduler"
	SourceReconcile = "reconcile"
)

type Entry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Source    string    `json:"source"`
	Action    string    `json:"action"`
	World     string    `json:"world"`
	Status    string    `json:"status,omitempty"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record stores e, filling ID and CreatedAt when unset.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO actions (id, actor, source, action, world, status, ok, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Source, e.Action, e.World, e.Status, ok, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, actor, source, action, world, status, ok, detail, created_at
		FROM actions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var ok int
		if err := rows.Scan(&e.ID, &e.Actor, &e.Source, &e.Action, &e.World, &e.Status, &ok, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		e.OK = ok == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
