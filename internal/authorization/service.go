package authorization

import (
	"context"
	"errors"
)

const (
	RoleService = "role:service"
	RoleAdmin   = "role:admin"
)

const (
	ObjectAccount    = "account"
	ObjectLedger     = "ledger"
	ObjectCatalog    = "catalog"
	ObjectCharge     = "charge"
	ObjectGrant      = "grant"
	ObjectAdjustment = "adjustment"
)

const (
	ActionView   = "view"
	ActionCreate = "create"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Service decides whether an authenticated internal caller may act on an object.
type Service interface {
	Authorize(ctx context.Context, role, object, action string) error
}
