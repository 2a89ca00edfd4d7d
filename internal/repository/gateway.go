package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/storage"
)

// Gateway is the PostgreSQL storage.Gateway assembled from the per-table repositories.
type Gateway struct {
	*UserRepository
	*ConversationRepository
	*MessageRepository
	*ReceiptRepository
	pool *pgxpool.Pool
}

var _ storage.Gateway = (*Gateway)(nil)

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{
		UserRepository:         NewUserRepository(pool),
		ConversationRepository: NewConversationRepository(pool),
		MessageRepository:      NewMessageRepository(pool),
		ReceiptRepository:      NewReceiptRepository(pool),
		pool:                   pool,
	}
}

func (g *Gateway) Close() error {
	g.pool.Close()
	return nil
}
