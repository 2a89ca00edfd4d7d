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

const conversationCols = `c.id, c.type, c.name, c.avatar_url, c.last_message_id, c.created_at, c.updated_at`

const participantCols = `conversation_id, user_id, role, joined_at, left_at, is_active, is_muted, last_read_message_id`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s pgx.Row, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt)
}

func scanParticipant(s pgx.Row, p *model.Participant) error {
	return s.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.IsActive, &p.IsMuted, &p.LastReadMessageID)
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, c *model.Conversation, participants []model.Participant) error {
	defer logger.DeferLogDuration("convRepo.CreateConversation", time.Now())()
	active := 0
	for _, p := range participants {
		if p.IsActive {
			active++
		}
	}
	if err := c.Validate(active); err != nil {
		return fmt.Errorf("convRepo.CreateConversation: %w", err)
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, type, name, avatar_url, last_message_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.Type, c.Name, c.AvatarURL, c.LastMessageID, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, p := range participants {
			batch.Queue(
				`INSERT INTO participants (`+participantCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				c.ID, p.UserID, p.Role, p.JoinedAt, p.LeftAt, p.IsActive, p.IsMuted, p.LastReadMessageID,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("convRepo.CreateConversation: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("convRepo.GetConversation", time.Now())()
	c := &model.Conversation{}
	err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations c WHERE c.id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetConversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("convRepo.ListConversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1 AND p.is_active
		 ORDER BY c.updated_at DESC, c.id
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListConversations query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, limit)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.ListConversations scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListConversations rows: %w", err)
	}
	return convs, nil
}

func (r *ConversationRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	defer logger.DeferLogDuration("convRepo.GetParticipant", time.Now())()
	p := &model.Participant{}
	err := scanParticipant(r.pool.QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	), p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetParticipant: %w", err)
	}
	return p, nil
}

// AddParticipant inserts the participant or reactivates a soft-deleted one.
func (r *ConversationRepository) AddParticipant(ctx context.Context, p *model.Participant) error {
	defer logger.DeferLogDuration("convRepo.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at, is_active, is_muted)
		 VALUES ($1, $2, $3, $4, true, $5)
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET is_active = true, left_at = NULL, role = EXCLUDED.role`,
		p.ConversationID, p.UserID, p.Role, p.JoinedAt, p.IsMuted,
	)
	if err != nil {
		return fmt.Errorf("convRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ConversationRepository) LeaveConversation(ctx context.Context, conversationID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("convRepo.LeaveConversation", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE participants SET is_active = false, left_at = $3
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("convRepo.LeaveConversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("convRepo.ActiveConversationIDs", time.Now())()
	return r.collectIDs(ctx, "convRepo.ActiveConversationIDs",
		`SELECT conversation_id FROM participants WHERE user_id = $1 AND is_active ORDER BY conversation_id`, userID)
}

func (r *ConversationRepository) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("convRepo.ActiveParticipantIDs", time.Now())()
	return r.collectIDs(ctx, "convRepo.ActiveParticipantIDs",
		`SELECT user_id FROM participants WHERE conversation_id = $1 AND is_active ORDER BY user_id`, conversationID)
}

func (r *ConversationRepository) collectIDs(ctx context.Context, op, sql string, arg string) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return ids, nil
}
