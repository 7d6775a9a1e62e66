package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/udml/gateway/internal/msgctx"
)

// QueuedDelivery is the on-disk shape written by an older file-backed
// outbox queue. ImportLegacyFileQueue migrates any leftover entries into
// the durable outbox table.
type QueuedDelivery struct {
	ID             string                 `json:"id"`
	TurnID         string                 `json:"turnId"`
	Channel        string                 `json:"channel"`
	AccountID      string                 `json:"accountId"`
	Target         string                 `json:"target"`
	Payload        msgctx.DeliveryPayload `json:"payload"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	QueuedAt       int64                  `json:"queuedAt"`
}

// ImportLegacyFileQueue reads every *.json file under
// <stateDir>/delivery-queue/, inserts each as an outbox row (ignoring
// duplicates by id), and removes the file on successful insert. Malformed
// or non-JSON entries are skipped in place; the directory is left
// untouched if it does not exist. Idempotent: a no-op once drained.
func (s *Store) ImportLegacyFileQueue(ctx context.Context, stateDir string, now time.Time) (imported int, err error) {
	dir := filepath.Join(stateDir, "delivery-queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	for _, ent := range entries {
		if ctx.Err() != nil {
			return imported, ctx.Err()
		}
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("legacy delivery queue: read failed", "path", path, "error", readErr)
			continue
		}
		var qd QueuedDelivery
		if err := json.Unmarshal(raw, &qd); err != nil {
			slog.Warn("legacy delivery queue: malformed entry", "path", path, "error", err)
			continue
		}
		if qd.ID == "" {
			slog.Warn("legacy delivery queue: entry missing id", "path", path)
			continue
		}

		inserted, insertErr := s.insertLegacyOutboxRow(ctx, qd, now)
		if insertErr != nil {
			slog.Warn("legacy delivery queue: insert failed", "path", path, "error", insertErr)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("legacy delivery queue: unlink failed", "path", path, "error", err)
			continue
		}
		if inserted {
			imported++
		}
	}
	return imported, nil
}

func (s *Store) insertLegacyOutboxRow(ctx context.Context, qd QueuedDelivery, now time.Time) (bool, error) {
	encoded, err := msgctx.EncodeDeliveryPayload(qd.Payload)
	if err != nil {
		return false, err
	}
	queuedAt := qd.QueuedAt
	if queuedAt == 0 {
		queuedAt = nowMillis(now)
	}

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_outbox
				(id, turn_id, channel, account_id, target, payload, idempotency_key,
				 queued_at, status, attempt_count, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, qd.ID, nullableString(qd.TurnID), qd.Channel, qd.AccountID, qd.Target, encoded,
			nullableString(qd.IdempotencyKey), queuedAt, string(OutboxQueued), queuedAt)
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}
