package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert creates the account and reports false when the user already has one.
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	Update(ctx context.Context, db *gorm.DB, account *Account) error
}
