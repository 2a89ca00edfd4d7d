package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage"
)

const messageCols = `m.id, m.conversation_id, m.sender_id, m.content, m.parent_id, m.is_edited, m.created_at, m.updated_at,
	u.id, u.display_name, u.avatar_url`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s pgx.Row, m *model.Message) error {
	sender := &model.UserSummary{}
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ParentID, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt,
		&sender.ID, &sender.DisplayName, &sender.AvatarURL); err != nil {
		return err
	}
	m.Sender = sender
	return nil
}

// CreateMessage inserts the message and moves conversations.last_message_id in one transaction.
func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msgRepo.CreateMessage", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, content, parent_id, is_edited, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, false, $6, $7)`,
			m.ID, m.ConversationID, m.SenderID, m.Content, m.ParentID, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3`,
			m.ID, m.CreatedAt, m.ConversationID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("msgRepo.CreateMessage: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msgRepo.GetMessage", time.Now())()
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetMessage: %w", err)
	}
	return m, nil
}

// ListMessages returns one page in ascending created_at order. With only an
// After cursor the page starts right after it; otherwise it is the newest
// page that satisfies the cursors.
func (r *MessageRepository) ListMessages(ctx context.Context, conversationID string, q model.HistoryQuery) ([]model.Message, error) {
	defer logger.DeferLogDuration("msgRepo.ListMessages", time.Now())()
	sql := `SELECT ` + messageCols + `
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.conversation_id = $1`
	args := []any{conversationID}
	if q.Before != nil {
		args = append(args, *q.Before)
		sql += ` AND m.created_at < $` + strconv.Itoa(len(args))
	}
	if q.After != nil {
		args = append(args, *q.After)
		sql += ` AND m.created_at > $` + strconv.Itoa(len(args))
	}
	ascending := q.After != nil && q.Before == nil
	if ascending {
		sql += ` ORDER BY m.created_at ASC, m.id ASC`
	} else {
		sql += ` ORDER BY m.created_at DESC, m.id DESC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, q.Limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages rows: %w", err)
	}
	if !ascending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// UpdateMessageContent locks the row, appends the pre-edit content to
// message_edits and only then overwrites the message.
func (r *MessageRepository) UpdateMessageContent(ctx context.Context, messageID, editorID, content string, at time.Time, editID string) (*model.MessageEdit, error) {
	defer logger.DeferLogDuration("msgRepo.UpdateMessageContent", time.Now())()
	edit := &model.MessageEdit{ID: editID, MessageID: messageID, EditorID: editorID, EditedAt: at}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT content FROM messages WHERE id = $1 FOR UPDATE`, messageID,
		).Scan(&edit.PreviousContent); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_edits (id, message_id, editor_id, previous_content, edited_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			edit.ID, messageID, editorID, edit.PreviousContent, at,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE messages SET content = $1, is_edited = true, updated_at = $2 WHERE id = $3`,
			content, at, messageID,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UpdateMessageContent: %w", err)
	}
	return edit, nil
}

func (r *MessageRepository) ListEdits(ctx context.Context, messageID string) ([]model.MessageEdit, error) {
	defer logger.DeferLogDuration("msgRepo.ListEdits", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, editor_id, previous_content, edited_at
		 FROM message_edits WHERE message_id = $1 ORDER BY edited_at, id`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListEdits query: %w", err)
	}
	edits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.MessageEdit, error) {
		var e model.MessageEdit
		err := row.Scan(&e.ID, &e.MessageID, &e.EditorID, &e.PreviousContent, &e.EditedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListEdits rows: %w", err)
	}
	return edits, nil
}
