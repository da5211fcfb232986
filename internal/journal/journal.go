// Package journal keeps a durable record of every command a channel finished
// with, whatever the outcome.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Status is the terminal state of a journaled command.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxReplyBytes    = 4 * 1024
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var ErrNotFound = errors.New("journal entry not found")

// Entry is one finished command.
type Entry struct {
	ID          string       `json:"id"`
	Channel     protocol.Tag `json:"channel"`
	Payload     string       `json:"payload"`
	Status      Status       `json:"status"`
	Reply       string       `json:"reply,omitempty"`
	Probes      int          `json:"probes"`
	Error       string       `json:"error,omitempty"`
	QueuedAt    time.Time    `json:"queued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Channel *protocol.Tag
	Status  Status
	Since   time.Time
	Limit   int
}

// EntryFromResult converts a channel result into a journal entry.
func EntryFromResult(res channel.Result) Entry {
	e := Entry{
		ID:          res.Command.ID,
		Channel:     res.Command.Channel,
		Payload:     res.Command.Payload,
		Reply:       res.Reply,
		Probes:      res.Probes,
		QueuedAt:    res.Command.QueuedAt,
		CompletedAt: res.CompletedAt,
	}
	switch res.Outcome {
	case channel.OutcomeSucceeded:
		e.Status = StatusSucceeded
	case channel.OutcomeRejected:
		e.Status = StatusRejected
	default:
		e.Status = StatusFailed
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if !res.StartedAt.IsZero() {
		started := res.StartedAt
		e.StartedAt = &started
	}
	return e
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record stores e. Recording the same ID twice replaces the earlier row.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("entry %s: invalid channel", e.ID)
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = e.CompletedAt
	}

	reply := e.Reply
	if len(reply) > maxReplyBytes {
		reply = reply[:maxReplyBytes]
	}
	var started any
	if e.StartedAt != nil {
		started = formatTime(*e.StartedAt)
	}

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO command_log(
  id, channel, payload, status, reply, probes, last_error, queued_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, channelName(e.Channel), e.Payload, string(e.Status), nullString(reply), e.Probes, nullString(e.Error),
		formatTime(e.QueuedAt), started, formatTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("record command %s: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry with id or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, channel, payload, status, reply, probes, last_error, queued_at, started_at, completed_at
FROM command_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, err)
	}
	return e, nil
}

// List returns matching entries, most recently completed first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != nil {
		where = append(where, "channel = ?")
		args = append(args, channelName(*f.Channel))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "completed_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	q := selectEntries
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY completed_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	out, err := j.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return out, nil
}

// Neighbors returns up to n entries of e's channel completed just before and
// just after e, both in completion order.
func (j *Journal) Neighbors(ctx context.Context, e *Entry, n int) (before, after []Entry, err error) {
	if n <= 0 {
		return nil, nil, nil
	}
	ch, at := channelName(e.Channel), formatTime(e.CompletedAt)

	before, err = j.query(ctx, selectEntries+
		` WHERE channel = ? AND completed_at < ? ORDER BY completed_at DESC, rowid DESC LIMIT ?;`, ch, at, n)
	if err != nil {
		return nil, nil, fmt.Errorf("neighbors of %s: %w", e.ID, err)
	}
	for i, k := 0, len(before)-1; i < k; i, k = i+1, k-1 {
		before[i], before[k] = before[k], before[i]
	}

	after, err = j.query(ctx, selectEntries+
		` WHERE channel = ? AND completed_at > ? ORDER BY completed_at ASC, rowid ASC LIMIT ?;`, ch, at, n)
	if err != nil {
		return nil, nil, fmt.Errorf("neighbors of %s: %w", e.ID, err)
	}
	return before, after, nil
}

const selectEntries = `SELECT id, channel, payload, status, reply, probes, last_error, queued_at, started_at, completed_at FROM command_log`

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed more than olderThan ago and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := j.db.ExecContext(ctx, `DELETE FROM command_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

// Counts returns the number of entries per status.
func (j *Journal) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM command_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{StatusSucceeded: 0, StatusFailed: 0, StatusRejected: 0}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e          Entry
		channelS   string
		statusS    string
		reply      sql.NullString
		lastError  sql.NullString
		queuedS    string
		startedS   sql.NullString
		completedS string
	)
	if err := s.Scan(&e.ID, &channelS, &e.Payload, &statusS, &reply, &e.Probes, &lastError, &queuedS, &startedS, &completedS); err != nil {
		return nil, err
	}

	tag, err := protocol.ParseTag(channelS)
	if err != nil {
		return nil, err
	}
	e.Channel = tag
	e.Status = Status(statusS)
	e.Reply = reply.String
	e.Error = lastError.String
	if t, err := time.Parse(timeLayout, queuedS); err == nil {
		e.QueuedAt = t
	}
	if t, err := time.Parse(timeLayout, completedS); err == nil {
		e.CompletedAt = t
	}
	if startedS.Valid {
		if t, err := time.Parse(timeLayout, startedS.String); err == nil {
			e.StartedAt = &t
		}
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func channelName(tag protocol.Tag) string {
	return strings.ToLower(tag.String())
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
