package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	// Adapters map it to 404/NOT_FOUND.
	ErrNotFound = errors.New("resource not found")
	// ErrUnauthorized covers callers that are not allowed to perform the operation,
	// including guardians that are inactive or lack the emergency trigger permission.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict signals a state precondition failure, for example issuing a grant
	// while the protocol is not active or losing an optimistic version check.
	ErrConflict    = errors.New("conflict")
	ErrExpired     = errors.New("expired")
	ErrRevoked     = errors.New("revoked")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")
	// ErrInvalidVerificationCode is an Unauthorized variant so callers that only
	// check ErrUnauthorized still reject it.
	ErrInvalidVerificationCode = fmt.Errorf("%w: invalid verification code", ErrUnauthorized)
	ErrIllegalTransition       = fmt.Errorf("%w: illegal protocol transition", ErrConflict)
)
