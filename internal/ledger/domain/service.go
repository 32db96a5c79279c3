package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditline/pkg/db/pagination"
)

type ListEntriesRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []*Entry `json:"entries"`
}

type Service interface {
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	// FindEntryByKey returns the user's entry written under key, or nil.
	FindEntryByKey(ctx context.Context, userID, key string) (*Entry, error)
}

var (
	ErrInvalidUserID    = errors.New("invalid_user_id")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
