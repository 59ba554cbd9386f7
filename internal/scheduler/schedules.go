package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reedfamily/forgebot/internal/world"
)

var (
	ErrNotFound      = errors.New("schedule not found")
	ErrInvalid       = errors.New("invalid schedule")
	ErrInvalidAction = errors.New("action must be one of: start, stop, idle")
)

type Schedule struct {
	ID        string     `json:"id"`
	World     string     `json:"world"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Action    string     `json:"action"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Patch holds the fields of an update; nil fields are left alone.
type Patch struct {
	Name     *string `json:"name"`
	CronExpr *string `json:"cron_expr"`
	Action   *string `json:"action"`
	Enabled  *bool   `json:"enabled"`
}

func validAction(a string) error {
	switch a {
	case world.ActionStart, world.ActionStop, world.ActionIdle:
		return nil
	}
	return ErrInvalidAction
}

// Validate checks a new schedule before it is stored.
func (s *Schedule) Validate() error {
	var problems []string
	if strings.TrimSpace(s.World) == "" {
		problems = append(problems, "world required")
	}
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "name required")
	}
	if _, err := ParseCron(s.CronExpr); err != nil {
		problems = append(problems, "invalid cron expression: "+err.Error())
	}
	if err := validAction(s.Action); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Repository stores schedules in the sqlite schedules table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectSchedule = `SELECT id, world, name, cron_expr, action, enabled, last_run, created_at FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		s       Schedule
		enabled int
		lastRun sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.World, &s.Name, &s.CronExpr, &s.Action, &enabled, &lastRun, &s.CreatedAt); err != nil {
		return Schedule{}, err
	}
	s.Enabled = enabled == 1
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		s.LastRun = &t
	}
	if s.Enabled {
		if c, err := ParseCron(s.CronExpr); err == nil {
			if next := c.Next(time.Now()); !next.IsZero() {
				s.NextRun = &next
			}
		}
	}
	return s, nil
}

// List returns schedules, newest first. An empty world lists them all.
func (r *Repository) List(ctx context.Context, slug string) ([]Schedule, error) {
	query, args := selectSchedule+` ORDER BY created_at DESC`, []any{}
	if slug != "" {
		query, args = selectSchedule+` WHERE world = ? ORDER BY created_at DESC`, []any{slug}
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	out := []Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Enabled returns every enabled schedule.
func (r *Repository) Enabled(ctx context.Context) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, selectSchedule+` WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, selectSchedule+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return s, nil
}

// Create validates s, assigns an ID and stores it enabled.
func (r *Repository) Create(ctx context.Context, s Schedule) (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	s.ID = uuid.New().String()[:8]
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schedules (id, world, name, cron_expr, action, enabled, created_at) VALUES (?, ?, ?, ?, ?, 1, ?)`,
		s.ID, s.World, s.Name, s.CronExpr, s.Action, time.Now().UTC(),
	)
	if err != nil {
		return Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return r.Get(ctx, s.ID)
}

// Update applies p to the schedule with the given ID in one statement.
func (r *Repository) Update(ctx context.Context, id string, p Patch) (Schedule, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if p.Name != nil {
		cur.Name = *p.Name
	}
	if p.CronExpr != nil {
		cur.CronExpr = *p.CronExpr
	}
	if p.Action != nil {
		cur.Action = *p.Action
	}
	if p.Enabled != nil {
		cur.Enabled = *p.Enabled
	}
	if err := cur.Validate(); err != nil {
		return Schedule{}, err
	}

	enabled := 0
	if cur.Enabled {
		enabled = 1
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE schedules SET name = ?, cron_expr = ?, action = ?, enabled = ? WHERE id = ?`,
		cur.Name, cur.CronExpr, cur.Action, enabled, id,
	)
	if err != nil {
		return Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) markRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE schedules SET last_run = ? WHERE id = ?`, at.UTC(), id)
	return err
}
