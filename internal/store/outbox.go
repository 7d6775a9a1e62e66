package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/udml/gateway/internal/bus"
	"github.com/udml/gateway/internal/msgctx"
)

// OutboxStatus is the state of a message_outbox row.
type OutboxStatus string

const (
	OutboxQueued         OutboxStatus = "queued"
	OutboxFailedRetry    OutboxStatus = "failed_retryable"
	OutboxDelivered      OutboxStatus = "delivered"
	OutboxFailedTerminal OutboxStatus = "failed_terminal"
	OutboxExpired        OutboxStatus = "expired"
)

func (s OutboxStatus) IsTerminal() bool {
	switch s {
	case OutboxDelivered, OutboxFailedTerminal, OutboxExpired:
		return true
	default:
		return false
	}
}

const (
	MaxOutboxRetries   = 5
	DefaultOutboxTTL   = 30 * time.Minute
	OutboxPruneAge     = 48 * time.Hour
)

// outboxBackoff is the fixed backoff table indexed by attempt count.
var outboxBackoff = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Backoff returns the delay before retrying an outbox row with the given
// attempt count, clamped to the last table entry for higher counts.
func Backoff(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	idx := attemptCount - 1
	if idx >= len(outboxBackoff) {
		idx = len(outboxBackoff) - 1
	}
	return outboxBackoff[idx]
}

// permanentErrorPatterns are matched case-insensitively against a delivery
// error to decide whether it is permanent (no point retrying).
var permanentErrorPatterns = []string{
	"no conversation reference found",
	"chat not found",
	"user not found",
	"bot was blocked by the user",
	"forbidden: bot was kicked",
	"chat_id is empty",
	"recipient is not a valid",
	"outbound not configured for channel",
}

// IsPermanentDeliveryError reports whether err matches a known permanent
// failure pattern.
func IsPermanentDeliveryError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// OutboxRow is a row of message_outbox.
type OutboxRow struct {
	ID             string
	TurnID         string
	Channel        string
	AccountID      string
	Target         string
	Payload        string
	IdempotencyKey string
	QueuedAt       int64
	Status         OutboxStatus
	AttemptCount   int
	NextAttemptAt  int64
	LastAttemptAt  sql.NullInt64
	LastError      string
	ErrorClass     string
	TerminalReason string
	DeliveredAt    sql.NullInt64
	CompletedAt    sql.NullInt64
}

// EnqueueParams describes a new outbox row.
type EnqueueParams struct {
	TurnID         string
	Channel        string
	AccountID      string
	Target         string
	Payload        msgctx.DeliveryPayload
	IdempotencyKey string
}

// EnqueueDelivery inserts a new queued outbox row and returns its id.
func (s *Store) EnqueueDelivery(ctx context.Context, p EnqueueParams, now time.Time) (string, error) {
	encoded, err := msgctx.EncodeDeliveryPayload(p.Payload)
	if err != nil {
		return "", fmt.Errorf("encode outbox payload: %w", err)
	}
	id := uuid.NewString()
	ts := nowMillis(now)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO message_outbox
				(id, turn_id, channel, account_id, target, payload, idempotency_key,
				 queued_at, status, attempt_count, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, id, nullableString(p.TurnID), p.Channel, p.AccountID, p.Target, encoded, nullableString(p.IdempotencyKey),
			ts, string(OutboxQueued), ts)
		return execErr
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicOutboxQueued, bus.OutboxStateChangedEvent{
			OutboxID: id, TurnID: p.TurnID, NewStatus: string(OutboxQueued),
		})
	}
	return id, nil
}

// LoadPendingDeliveries returns queued/failed_retryable rows eligible for a
// delivery attempt now. When startupCutoff is non-nil, rows inserted after
// the cutoff that have never been attempted are excluded (they are being
// delivered live by the accepting request and must not be double-sent).
func (s *Store) LoadPendingDeliveries(ctx context.Context, startupCutoff *time.Time, now time.Time) ([]OutboxRow, error) {
	nowMs := nowMillis(now)
	query := `
		SELECT id, turn_id, channel, account_id, target, payload, idempotency_key,
			queued_at, status, attempt_count, next_attempt_at, last_attempt_at,
			last_error, error_class, terminal_reason, delivered_at, completed_at
		FROM message_outbox
		WHERE status IN (?, ?) AND next_attempt_at <= ?
	`
	args := []any{string(OutboxQueued), string(OutboxFailedRetry), nowMs}
	if startupCutoff != nil {
		query += ` AND NOT (queued_at > ? AND last_attempt_at IS NULL AND attempt_count = 0)`
		args = append(args, nowMillis(*startupCutoff))
	}
	query += ` ORDER BY queued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		r, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanOutboxRow(row rowScanner) (OutboxRow, error) {
	var r OutboxRow
	var status string
	var turnID, idempotencyKey, lastError, errorClass, terminalReason sql.NullString
	if err := row.Scan(
		&r.ID, &turnID, &r.Channel, &r.AccountID, &r.Target, &r.Payload, &idempotencyKey,
		&r.QueuedAt, &status, &r.AttemptCount, &r.NextAttemptAt, &r.LastAttemptAt,
		&lastError, &errorClass, &terminalReason, &r.DeliveredAt, &r.CompletedAt,
	); err != nil {
		return OutboxRow{}, err
	}
	r.Status = OutboxStatus(status)
	r.TurnID = turnID.String
	r.IdempotencyKey = idempotencyKey.String
	r.LastError = lastError.String
	r.ErrorClass = errorClass.String
	r.TerminalReason = terminalReason.String
	return r, nil
}

// IsEligible reports whether row is due for a delivery attempt at now,
// per the post-recovery eligibility rule: never-attempted rows are always
// eligible; otherwise the backoff since the later of enqueue/last-attempt
// must have elapsed.
func IsEligible(row OutboxRow, now time.Time) bool {
	if row.AttemptCount == 0 && !row.LastAttemptAt.Valid {
		return true
	}
	base := row.QueuedAt
	if row.LastAttemptAt.Valid && row.LastAttemptAt.Int64 > base {
		base = row.LastAttemptAt.Int64
	}
	return base+Backoff(row.AttemptCount).Milliseconds() <= nowMillis(now)
}

// FailDelivery classifies err and either finalizes the row as permanently
// failed or schedules a retry with backoff, incrementing attempt_count.
func (s *Store) FailDelivery(ctx context.Context, outboxID string, deliveryErr error, now time.Time) error {
	ts := nowMillis(now)
	if IsPermanentDeliveryError(deliveryErr) {
		return s.finalizeOutboxRow(ctx, outboxID, OutboxFailedTerminal, "permanent", deliveryErr.Error(), "delivery rejected as permanent", ts)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempt_count FROM message_outbox WHERE id = ?`, outboxID).Scan(&attempts); err != nil {
			return err
		}
		attempts++
		errMsg := ""
		if deliveryErr != nil {
			errMsg = deliveryErr.Error()
		}
		if attempts >= MaxOutboxRetries {
			_, err := tx.ExecContext(ctx, `
				UPDATE message_outbox
				SET status = ?, attempt_count = ?, last_attempt_at = ?, last_error = ?,
					error_class = 'terminal', terminal_reason = 'max retries exceeded', completed_at = ?
				WHERE id = ?
			`, string(OutboxFailedTerminal), attempts, ts, errMsg, ts, outboxID)
			if err != nil {
				return err
			}
			return s.maybeFinalizeTurnForOutboxTx(ctx, tx, outboxID, ts)
		}
		next := ts + Backoff(attempts).Milliseconds()
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, attempt_count = ?, next_attempt_at = ?, last_attempt_at = ?, last_error = ?, error_class = 'transient'
			WHERE id = ?
		`, string(OutboxFailedRetry), attempts, next, ts, errMsg, outboxID)
		return err
	})
}

func (s *Store) finalizeOutboxRow(ctx context.Context, outboxID string, status OutboxStatus, errorClass, lastError, reason string, ts int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, last_attempt_at = ?, last_error = ?, error_class = ?, terminal_reason = ?, completed_at = ?
			WHERE id = ?
		`, string(status), ts, lastError, errorClass, reason, ts, outboxID)
		if err != nil {
			return err
		}
		return s.maybeFinalizeTurnForOutboxTx(ctx, tx, outboxID, ts)
	})
}

// AckDelivery marks a row delivered and, if the turn's outbox is fully
// resolved with no failures, finalizes the owning turn as delivered.
func (s *Store) AckDelivery(ctx context.Context, outboxID string, now time.Time) error {
	ts := nowMillis(now)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, delivered_at = ?, completed_at = ?
			WHERE id = ?
		`, string(OutboxDelivered), ts, ts, outboxID)
		if err != nil {
			return err
		}
		return s.maybeFinalizeTurnForOutboxTx(ctx, tx, outboxID, ts)
	})
}

// MoveToFailed marks a row failed_terminal with a generic reason and mirrors
// the turn-finalization check.
func (s *Store) MoveToFailed(ctx context.Context, outboxID string, now time.Time) error {
	ts := nowMillis(now)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, error_class = 'terminal', terminal_reason = 'moved to failed', completed_at = ?
			WHERE id = ?
		`, string(OutboxFailedTerminal), ts, outboxID)
		if err != nil {
			return err
		}
		return s.maybeFinalizeTurnForOutboxTx(ctx, tx, outboxID, ts)
	})
}

// maybeFinalizeTurnForOutboxTx checks the owning turn's aggregate outbox
// status and finalizes it when fully resolved, mirroring ackDelivery and
// moveToFailed's shared post-condition.
func (s *Store) maybeFinalizeTurnForOutboxTx(ctx context.Context, tx *sql.Tx, outboxID string, ts int64) error {
	var turnID sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT turn_id FROM message_outbox WHERE id = ?`, outboxID).Scan(&turnID); err != nil {
		return err
	}
	if !turnID.Valid || turnID.String == "" {
		return nil
	}

	counts, err := outboxCountsTx(ctx, tx, turnID.String)
	if err != nil {
		return err
	}
	if counts.queued > 0 {
		return nil
	}

	var finalStatus TurnStatus
	switch {
	case counts.delivered > 0 && counts.failed == 0:
		finalStatus = TurnDelivered
	case counts.failed > 0:
		finalStatus = TurnFailedTerminal
	default:
		return nil
	}

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM message_turns WHERE id = ?`, turnID.String).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if TurnStatus(current).IsTerminal() {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE message_turns SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?
	`, string(finalStatus), ts, ts, turnID.String)
	return err
}

// OutboxCounts is the {queued, delivered, failed} aggregate for a turn.
type OutboxCounts struct {
	Queued    int
	Delivered int
	Failed    int
}

type outboxTallies struct {
	queued, delivered, failed int
}

func outboxCountsTx(ctx context.Context, tx *sql.Tx, turnID string) (outboxTallies, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_outbox WHERE turn_id = ? GROUP BY status`, turnID)
	if err != nil {
		return outboxTallies{}, err
	}
	defer rows.Close()

	var t outboxTallies
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return outboxTallies{}, err
		}
		switch OutboxStatus(status) {
		case OutboxQueued, OutboxFailedRetry:
			t.queued += n
		case OutboxDelivered:
			t.delivered += n
		case OutboxFailedTerminal, OutboxExpired:
			t.failed += n
		}
	}
	return t, rows.Err()
}

// GetOutboxStatusForTurn returns the {queued, delivered, failed} aggregate
// for turnID.
func (s *Store) GetOutboxStatusForTurn(ctx context.Context, turnID string) (OutboxCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_outbox WHERE turn_id = ? GROUP BY status`, turnID)
	if err != nil {
		return OutboxCounts{}, err
	}
	defer rows.Close()

	var c OutboxCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OutboxCounts{}, err
		}
		switch OutboxStatus(status) {
		case OutboxQueued, OutboxFailedRetry:
			c.Queued += n
		case OutboxDelivered:
			c.Delivered += n
		case OutboxFailedTerminal, OutboxExpired:
			c.Failed += n
		}
	}
	return c, rows.Err()
}

// ExpireStaleDeliveries applies TTL expiry ahead of a recovery pass: queued
// or failed_retryable rows older than maxAge become expired when
// expireAction is "fail" (the default). Returns the number of rows expired.
func (s *Store) ExpireStaleDeliveries(ctx context.Context, maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := nowMillis(now) - maxAge.Milliseconds()
	ts := nowMillis(now)
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, error_class = 'terminal', terminal_reason = 'expired', completed_at = ?
			WHERE status IN (?, ?) AND queued_at < ?
		`, string(OutboxExpired), ts, string(OutboxQueued), string(OutboxFailedRetry), cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// PruneOutbox deletes terminal rows older than age.
func (s *Store) PruneOutbox(ctx context.Context, age time.Duration, now time.Time) (int64, error) {
	cutoff := nowMillis(now) - age.Milliseconds()
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_outbox
			WHERE status IN (?, ?, ?)
			AND COALESCE(completed_at, delivered_at, queued_at) < ?
		`, string(OutboxDelivered), string(OutboxFailedTerminal), string(OutboxExpired), cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
