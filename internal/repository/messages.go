// Package repository persists notifications and resolves user accounts on
// PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/notify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrMessageNotFound = errors.New("message not found")

// MessageStore is the append-only per-user durable message log. Writes are
// wrapped in a circuit breaker and short capped retry so a slow or down
// database degrades to fast failures instead of stalling connection workers.
type MessageStore struct {
	db      *sql.DB
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

func NewMessageStore(db *sql.DB, log *zap.Logger) *MessageStore {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notification-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("durable store breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &MessageStore{db: db, log: log, breaker: breaker}
}

// Append writes msg to userID's log.
func (s *MessageStore) Append(ctx context.Context, userID int64, msg notify.Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		return nil, backoff.Retry(func() error {
			_, execErr := s.db.ExecContext(ctx,
				`INSERT INTO notification_log (
					message_id, user_id, type, category, priority,
					title, body, data, created_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				msg.ID, userID, string(msg.Type), string(msg.Category),
				string(msg.Priority), msg.Title, msg.Body, data, msg.CreatedAt,
			)
			return execErr
		}, policy)
	})
	return err
}

// Unseen returns userID's queued messages that have not been acknowledged,
// oldest first.
func (s *MessageStore) Unseen(ctx context.Context, userID int64) ([]notify.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, type, category, priority, title, body, data, created_at
		FROM notification_log
		WHERE user_id = $1 AND seen_at IS NULL
		ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.log.Error("error closing rows", zap.Error(cerr))
		}
	}()

	var messages []notify.Message
	for rows.Next() {
		var (
			msg      notify.Message
			rawData  []byte
			msgType  string
			category string
			priority string
		)
		if err := rows.Scan(&msg.ID, &msgType, &category, &priority,
			&msg.Title, &msg.Body, &rawData, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Type = notify.Type(msgType)
		msg.Category = notify.Category(category)
		msg.Priority = notify.Priority(priority)
		msg.Data = map[string]interface{}{}
		if len(rawData) > 0 {
			if err := json.Unmarshal(rawData, &msg.Data); err != nil {
				s.log.Warn("malformed data payload in notification log",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
		uid := userID
		msg.UserID = &uid
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkSeen acknowledges messageID for userID.
func (s *MessageStore) MarkSeen(ctx context.Context, userID int64, messageID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET seen_at = NOW()
		WHERE user_id = $1 AND message_id = $2 AND seen_at IS NULL`,
		userID, messageID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}
