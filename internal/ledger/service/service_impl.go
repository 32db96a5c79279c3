package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditline/internal/ledger/domain"
	"github.com/smallbiznis/creditline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo ledgerdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo ledgerdomain.Repository
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("ledger.service"),
		repo: p.Repo,
	}
}

// ListEntries returns a user's ledger history, newest first.
func (s *Service) ListEntries(ctx context.Context, req ledgerdomain.ListEntriesRequest) (ledgerdomain.ListEntriesResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ListEntriesResponse{}, ledgerdomain.ErrInvalidUserID
	}

	cursor, err := decodeListCursor(req.PageToken)
	if err != nil {
		return ledgerdomain.ListEntriesResponse{}, err
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	entries, err := s.repo.ListByUser(ctx, s.db, userID, cursor, limit+1)
	if err != nil {
		s.log.Error("failed to list ledger entries", zap.String("user_id", userID), zap.Error(err))
		return ledgerdomain.ListEntriesResponse{}, err
	}

	page, pageInfo := pagination.BuildCursorPageInfo(entries, limit, encodeListCursor)
	if page == nil {
		page = []*ledgerdomain.Entry{}
	}

	return ledgerdomain.ListEntriesResponse{
		PageInfo: *pageInfo,
		Entries:  page,
	}, nil
}

func (s *Service) FindEntryByKey(ctx context.Context, userID, key string) (*ledgerdomain.Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUserID
	}

	entry, err := s.repo.FindByIdempotencyKey(ctx, s.db, key)
	if err != nil {
		s.log.Error("failed to find ledger entry by key", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if entry == nil || entry.UserID != userID {
		return nil, nil
	}
	return entry, nil
}

func encodeListCursor(entry *ledgerdomain.Entry) string {
	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        entry.ID.String(),
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeListCursor(token string) (*ledgerdomain.ListCursor, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidPageToken
	}
	if cursor == nil {
		return nil, nil
	}

	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil {
		return nil, ledgerdomain.ErrInvalidPageToken
	}

	return &ledgerdomain.ListCursor{ID: id, CreatedAt: createdAt.UTC()}, nil
}
