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

const userCols = `id, display_name, avatar_url, status, last_active_at, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s pgx.Row, u *model.User) error {
	return s.Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.Status, &u.LastActiveAt, &u.CreatedAt)
}

func (r *UserRepository) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("userRepo.CreateUser", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.DisplayName, u.AvatarURL, u.Status, u.LastActiveAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.CreateUser: %w", err)
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("userRepo.GetUser", time.Now())()
	u := &model.User{}
	if err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id), u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetUser: %w", err)
	}
	return u, nil
}

func (r *UserRepository) SetUserStatus(ctx context.Context, userID string, status model.UserStatus, at time.Time) error {
	defer logger.DeferLogDuration("userRepo.SetUserStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_active_at = $2 WHERE id = $3`,
		status, at, userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetUserStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *UserRepository) ResetPresence(ctx context.Context) error {
	defer logger.DeferLogDuration("userRepo.ResetPresence", time.Now())()
	if _, err := r.pool.Exec(ctx, `UPDATE users SET status = 'offline' WHERE status <> 'offline'`); err != nil {
		return fmt.Errorf("userRepo.ResetPresence: %w", err)
	}
	return nil
}
