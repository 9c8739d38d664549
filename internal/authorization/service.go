package authorization

import (
	"context"
	"errors"
)

// Service decides whether an operator may perform action on object.
type Service interface {
	Authorize(ctx context.Context, operatorID string, object string, action string) error
	RoleOf(operatorID string) string
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
