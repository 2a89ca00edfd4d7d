package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// MarkRead runs as one transaction: the participant row is locked first so
// concurrent calls for the same user cannot move last_read_message_id backwards.
func (r *ReceiptRepository) MarkRead(ctx context.Context, conversationID, userID string, upTo *model.Message, at time.Time) (model.MarkReadResult, error) {
	defer logger.DeferLogDuration("receiptRepo.MarkRead", time.Now())()
	var res model.MarkReadResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var current *string
		if err := tx.QueryRow(ctx,
			`SELECT last_read_message_id FROM participants
			 WHERE conversation_id = $1 AND user_id = $2 FOR UPDATE`,
			conversationID, userID,
		).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrNotFound
			}
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO read_receipts (message_id, user_id, read_at)
			 SELECT m.id, $2, $4 FROM messages m
			 WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.created_at <= $3
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			conversationID, userID, upTo.CreatedAt, at,
		)
		if err != nil {
			return err
		}
		res.ReceiptsCreated = int(tag.RowsAffected())

		advance := current == nil
		if current != nil && *current != upTo.ID {
			var currentAt time.Time
			err := tx.QueryRow(ctx, `SELECT created_at FROM messages WHERE id = $1`, *current).Scan(&currentAt)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				advance = true
			case err != nil:
				return err
			default:
				advance = !upTo.CreatedAt.Before(currentAt)
			}
		}
		if !advance {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE participants SET last_read_message_id = $3 WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID, upTo.ID,
		); err != nil {
			return err
		}
		res.Advanced = true
		return nil
	})
	if err != nil {
		return model.MarkReadResult{}, fmt.Errorf("receiptRepo.MarkRead: %w", err)
	}
	return res, nil
}

// UnreadCount counts messages from others created strictly after the
// participant's last read message, or all of them when nothing was read.
func (r *ReceiptRepository) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("receiptRepo.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $2
		 LEFT JOIN messages lr ON lr.id = p.last_read_message_id
		 WHERE m.conversation_id = $1 AND m.sender_id <> $2
		   AND (lr.id IS NULL OR m.created_at > lr.created_at)`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("receiptRepo.UnreadCount: %w", err)
	}
	return count, nil
}

func (r *ReceiptRepository) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receiptRepo.ListReceipts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, user_id, read_at FROM read_receipts WHERE message_id = $1 ORDER BY user_id`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.ListReceipts query: %w", err)
	}
	receipts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.ReadReceipt])
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.ListReceipts rows: %w", err)
	}
	return receipts, nil
}
