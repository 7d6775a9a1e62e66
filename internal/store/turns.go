package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/udml/gateway/internal/bus"
	"github.com/udml/gateway/internal/msgctx"
)

// TurnStatus is the state of a message_turns row.
type TurnStatus string

const (
	TurnAccepted        TurnStatus = "accepted"
	TurnRunning         TurnStatus = "running"
	TurnDeliveryPending TurnStatus = "delivery_pending"
	TurnFailedRetryable TurnStatus = "failed_retryable"
	TurnDelivered       TurnStatus = "delivered"
	TurnAborted         TurnStatus = "aborted"
	TurnFailedTerminal  TurnStatus = "failed_terminal"
)

// IsTerminal reports whether no further transition out of this status is
// permitted.
func (s TurnStatus) IsTerminal() bool {
	switch s {
	case TurnDelivered, TurnAborted, TurnFailedTerminal:
		return true
	default:
		return false
	}
}

const (
	MaxTurnRecoveryAttempts = 3
	turnRecoveryBackoff     = 15 * time.Second
	MaxTurnRecoveryAge      = 24 * time.Hour
	TurnPruneAge            = 48 * time.Hour
)

// Turn is a row of message_turns.
type Turn struct {
	ID              string
	Channel         string
	AccountID       string
	ExternalID      string
	DedupeKey       string
	SessionKey      string
	Payload         string
	RouteChannel    string
	RouteTo         string
	RouteAccountID  string
	RouteThreadID   string
	RouteReplyToID  string
	Status          TurnStatus
	AcceptedAt      int64
	UpdatedAt       int64
	CompletedAt     sql.NullInt64
	AttemptCount    int
	NextAttemptAt   int64
	TerminalReason  string
}

var nonTerminalTurnStatuses = []TurnStatus{
	TurnAccepted, TurnRunning, TurnDeliveryPending, TurnFailedRetryable,
}

func nonTerminalPlaceholders() (string, []any) {
	ph := make([]string, len(nonTerminalTurnStatuses))
	args := make([]any, len(nonTerminalTurnStatuses))
	for i, s := range nonTerminalTurnStatuses {
		ph[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(ph, ","), args
}

// dedupeFallback is the in-memory admission cache used when the durable
// store cannot be reached. Scoped per Store so each state directory has its
// own fallback window.
type dedupeFallback struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	lastWarnAt time.Time
}

const dedupeFallbackTTL = 10 * time.Minute

func (d *dedupeFallback) admit(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]time.Time)
	}
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false
	}
	d.seen[key] = now.Add(dedupeFallbackTTL)
	return true
}

func (d *dedupeFallback) warnOnce(now time.Time, msg string, args ...any) {
	d.mu.Lock()
	shouldWarn := now.Sub(d.lastWarnAt) >= time.Minute
	if shouldWarn {
		d.lastWarnAt = now
	}
	d.mu.Unlock()
	if shouldWarn {
		slog.Warn(msg, args...)
	}
}

// AcceptTurn admits an inbound message, computing its dedupe key and
// inserting a new message_turns row (or, for a duplicate, reporting
// accepted=false without writing). On DB failure it falls back to an
// in-process dedupe cache keyed by (channel, account_id, external_id) and
// fails open when even that is unavailable.
func (s *Store) AcceptTurn(ctx context.Context, mc msgctx.MsgContext, now time.Time) (id string, accepted bool, err error) {
	dedupeKey := msgctx.DedupeKey(mc)
	route := msgctx.ResolveRouteTarget(mc)
	payload, err := msgctx.EncodePayload(mc)
	if err != nil {
		return "", false, fmt.Errorf("encode turn payload: %w", err)
	}

	id = uuid.NewString()
	ts := nowMillis(now)

	writeErr := s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var execErr error
		if dedupeKey != "" {
			res, execErr = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_turns
					(id, channel, account_id, external_id, dedupe_key, session_key, payload,
					 route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
					 status, accepted_at, updated_at, attempt_count, next_attempt_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			`, id, route.Channel, mc.AccountId, nullableString(mc.MessageSid), dedupeKey, mc.SessionKey, payload,
				route.Channel, route.To, route.AccountId, route.ThreadId, route.ReplyToId,
				string(TurnAccepted), ts, ts, ts)
			if execErr != nil {
				return execErr
			}
			n, raErr := res.RowsAffected()
			if raErr != nil {
				return raErr
			}
			accepted = n == 1
			return nil
		}
		_, execErr = tx.ExecContext(ctx, `
			INSERT INTO message_turns
				(id, channel, account_id, external_id, dedupe_key, session_key, payload,
				 route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
				 status, accepted_at, updated_at, attempt_count, next_attempt_at)
			VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, id, route.Channel, mc.AccountId, nullableString(mc.MessageSid), mc.SessionKey, payload,
			route.Channel, route.To, route.AccountId, route.ThreadId, route.ReplyToId,
			string(TurnAccepted), ts, ts, ts)
		accepted = true
		return execErr
	})

	if writeErr == nil {
		if accepted {
			s.publishTurnState(id, mc.SessionKey, "", string(TurnAccepted))
		}
		return id, accepted, nil
	}

	// Journal failure: fall back to in-memory dedupe, else fail open.
	if dedupeKey == "" {
		s.dedupeFallbackWarn(now, "turn admission: journal write failed, accepting without dedupe", "error", writeErr)
		return id, true, nil
	}
	fallbackKey := strings.Join([]string{route.Channel, mc.AccountId, mc.MessageSid}, "\x1f")
	admitted := s.fallback().admit(fallbackKey, now)
	s.dedupeFallbackWarn(now, "turn admission: journal unavailable, using in-memory dedupe cache", "error", writeErr)
	return id, admitted, nil
}

func (s *Store) fallback() *dedupeFallback {
	s.fallbackOnce.Do(func() {
		s.fallbackCache = &dedupeFallback{}
	})
	return s.fallbackCache
}

func (s *Store) dedupeFallbackWarn(now time.Time, msg string, args ...any) {
	s.fallback().warnOnce(now, msg, args...)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// MarkTurnRunning transitions accepted/failed_retryable -> running.
func (s *Store) MarkTurnRunning(ctx context.Context, turnID string, now time.Time) error {
	return s.transitionTurn(ctx, turnID, TurnRunning, now, []TurnStatus{TurnAccepted, TurnFailedRetryable}, "")
}

// MarkTurnDeliveryPending transitions any non-terminal status -> delivery_pending.
func (s *Store) MarkTurnDeliveryPending(ctx context.Context, turnID string, now time.Time) error {
	return s.transitionTurn(ctx, turnID, TurnDeliveryPending, now, nonTerminalTurnStatuses, "")
}

// FinalizeTurn transitions any non-terminal status into a terminal one.
func (s *Store) FinalizeTurn(ctx context.Context, turnID string, final TurnStatus, reason string, now time.Time) error {
	if !final.IsTerminal() {
		return fmt.Errorf("finalize turn: %q is not a terminal status", final)
	}
	return s.transitionTurn(ctx, turnID, final, now, nonTerminalTurnStatuses, reason)
}

func (s *Store) transitionTurn(ctx context.Context, turnID string, to TurnStatus, now time.Time, from []TurnStatus, reason string) error {
	ph, args := placeholdersFor(from)
	ts := nowMillis(now)

	var oldStatus string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM message_turns WHERE id = ?`, turnID).Scan(&oldStatus); err != nil {
			return err
		}
		var completedAt any
		if to.IsTerminal() {
			completedAt = ts
		}
		queryArgs := append([]any{string(to), ts, nullableString(reason), completedAt, turnID}, args...)
		res, execErr := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE message_turns
			SET status = ?, updated_at = ?, terminal_reason = COALESCE(?, terminal_reason), completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status IN (%s)
		`, ph), queryArgs...)
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		if n == 0 {
			return errNoTransition
		}
		return nil
	})
	if errors.Is(err, errNoTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publishTurnState(turnID, "", oldStatus, string(to))
	return nil
}

var errNoTransition = errors.New("store: turn transition not applicable")

func placeholdersFor(statuses []TurnStatus) (string, []any) {
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

// RecordTurnRecoveryFailure increments the row's attempt_count. Below
// MaxTurnRecoveryAttempts it schedules a retry with a fixed 15s backoff and
// returns to failed_retryable; at the cap it finalizes as failed_terminal.
func (s *Store) RecordTurnRecoveryFailure(ctx context.Context, turnID, reason string, now time.Time) error {
	ts := nowMillis(now)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT status, attempt_count FROM message_turns WHERE id = ?`, turnID).Scan(&status, &attempts); err != nil {
			return err
		}
		if TurnStatus(status).IsTerminal() {
			return nil
		}
		attempts++
		if attempts >= MaxTurnRecoveryAttempts {
			_, err := tx.ExecContext(ctx, `
				UPDATE message_turns
				SET status = ?, attempt_count = ?, updated_at = ?, completed_at = ?, terminal_reason = ?
				WHERE id = ?
			`, string(TurnFailedTerminal), attempts, ts, ts, reason, turnID)
			return err
		}
		next := ts + turnRecoveryBackoff.Milliseconds()
		_, err := tx.ExecContext(ctx, `
			UPDATE message_turns
			SET status = ?, attempt_count = ?, next_attempt_at = ?, updated_at = ?, terminal_reason = ?
			WHERE id = ?
		`, string(TurnFailedRetryable), attempts, next, ts, reason, turnID)
		return err
	})
}

// FailStaleTurns finalizes every non-terminal row older than maxAge as
// failed_terminal.
func (s *Store) FailStaleTurns(ctx context.Context, maxAge time.Duration, now time.Time) (int64, error) {
	ph, args := nonTerminalPlaceholders()
	cutoff := nowMillis(now) - maxAge.Milliseconds()
	ts := nowMillis(now)
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		queryArgs := append([]any{string(TurnFailedTerminal), ts, ts}, args...)
		queryArgs = append(queryArgs, cutoff)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE message_turns
			SET status = ?, updated_at = ?, completed_at = ?, terminal_reason = 'stale turn recovery window exceeded'
			WHERE status IN (%s) AND accepted_at < ?
		`, ph), queryArgs...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// AbortTurnsForSession flips every non-terminal turn for sessionKey to aborted.
func (s *Store) AbortTurnsForSession(ctx context.Context, sessionKey string, now time.Time) (int64, error) {
	ph, args := nonTerminalPlaceholders()
	ts := nowMillis(now)
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		queryArgs := append([]any{string(TurnAborted), ts, ts}, args...)
		queryArgs = append(queryArgs, sessionKey)
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE message_turns
			SET status = ?, updated_at = ?, completed_at = ?
			WHERE status IN (%s) AND session_key = ?
		`, ph), queryArgs...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// PruneTurns deletes terminal rows older than age.
func (s *Store) PruneTurns(ctx context.Context, age time.Duration, now time.Time) (int64, error) {
	cutoff := nowMillis(now) - age.Milliseconds()
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_turns
			WHERE status IN (?, ?, ?)
			AND COALESCE(completed_at, updated_at, accepted_at) < ?
		`, string(TurnDelivered), string(TurnAborted), string(TurnFailedTerminal), cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ListRecoverableTurns returns non-terminal rows accepted within
// [now-maxAge, now-minAge] whose next_attempt_at has elapsed, oldest first.
func (s *Store) ListRecoverableTurns(ctx context.Context, minAge, maxAge time.Duration, limit int, now time.Time) ([]Turn, error) {
	ph, args := nonTerminalPlaceholders()
	nowMs := nowMillis(now)
	lowerBound := nowMs - maxAge.Milliseconds()
	upperBound := nowMs - minAge.Milliseconds()

	queryArgs := append(args, lowerBound, upperBound, nowMs)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, channel, account_id, external_id, dedupe_key, session_key, payload,
			route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
			status, accepted_at, updated_at, completed_at, attempt_count, next_attempt_at, terminal_reason
		FROM message_turns
		WHERE status IN (%s) AND accepted_at BETWEEN ? AND ? AND next_attempt_at <= ?
		ORDER BY accepted_at ASC
		LIMIT %d
	`, ph, limit), queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTurn fetches a single turn row by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, account_id, external_id, dedupe_key, session_key, payload,
			route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
			status, accepted_at, updated_at, completed_at, attempt_count, next_attempt_at, terminal_reason
		FROM message_turns WHERE id = ?
	`, turnID)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var status string
	var externalID, dedupeKey, terminalReason sql.NullString
	if err := row.Scan(
		&t.ID, &t.Channel, &t.AccountID, &externalID, &dedupeKey, &t.SessionKey, &t.Payload,
		&t.RouteChannel, &t.RouteTo, &t.RouteAccountID, &t.RouteThreadID, &t.RouteReplyToID,
		&status, &t.AcceptedAt, &t.UpdatedAt, &t.CompletedAt, &t.AttemptCount, &t.NextAttemptAt, &terminalReason,
	); err != nil {
		return Turn{}, err
	}
	t.Status = TurnStatus(status)
	t.ExternalID = externalID.String
	t.DedupeKey = dedupeKey.String
	t.TerminalReason = terminalReason.String
	return t, nil
}

// HydrateTurnContext parses a turn row's payload back into a MsgContext.
// Returns an error if the route channel or destination cannot be
// reconstructed.
func HydrateTurnContext(t Turn) (msgctx.MsgContext, error) {
	mc, err := msgctx.DecodePayload(t.Payload)
	if err != nil {
		return msgctx.MsgContext{}, fmt.Errorf("hydrate turn payload: %w", err)
	}
	if t.RouteChannel == "" || t.RouteTo == "" {
		return msgctx.MsgContext{}, fmt.Errorf("hydrate turn payload: missing route destination")
	}
	return mc, nil
}

func (s *Store) publishTurnState(turnID, sessionKey, oldStatus, newStatus string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTurnStateChanged, bus.TurnStateChangedEvent{
		TurnID:    turnID,
		SessionID: sessionKey,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}
