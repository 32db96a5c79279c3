package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListCursor positions a newest-first page.
type ListCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	// Insert appends entry and reports false when its idempotency key already exists.
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Entry, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, cursor *ListCursor, limit int) ([]*Entry, error)
	SumByUser(ctx context.Context, db *gorm.DB, userID string, unit Unit) (int64, error)
	CountByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}
