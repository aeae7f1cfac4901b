package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/hierarchy/pkg/serrors"
)

// Structural invariant violations are rejected synchronously at the canonical
// store boundary and never reach reconciliation.
var (
	ErrInvalidParent          = serrors.NewError("HIERARCHY_INVALID_PARENT", "parent is missing, inactive or at the maximum canonical level", "")
	ErrCyclicMove             = serrors.NewError("HIERARCHY_CYCLIC_MOVE", "new parent is a descendant of the moved node", "")
	ErrHasActiveDescendants   = serrors.NewError("HIERARCHY_HAS_ACTIVE_DESCENDANTS", "node has active descendants and cascade was not requested", "")
	ErrLevelMismatch          = serrors.NewError("HIERARCHY_LEVEL_MISMATCH", "node level does not match the role's required level", "")
	ErrInvalidExtensionParent = serrors.NewError("HIERARCHY_INVALID_EXTENSION_PARENT", "extension parent must be at level 5-7", "")
	ErrNodeNotFound           = serrors.NewError("HIERARCHY_NODE_NOT_FOUND", "node not found", "")
	// ErrCacheInconsistent is an internal invariant violation: the cache
	// invalidation index disagrees with store state. Writes to the affected
	// subtree halt until the branch is repaired.
	ErrCacheInconsistent = serrors.NewError("HIERARCHY_CACHE_INCONSISTENT", "cache invalidation index disagrees with store state", "")
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error

	// Meta carries the conflicting node/path for API error envelopes.
	Meta map[string]string
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

func (e *ServiceError) withMeta(key, value string) *ServiceError {
	if e.Meta == nil {
		e.Meta = map[string]string{}
	}
	e.Meta[key] = value
	return e
}

// AsServiceError maps domain sentinels and pg errors to HTTP-shaped service
// errors; anything unrecognized passes through unchanged.
func AsServiceError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	switch {
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, pgx.ErrNoRows):
		return newServiceError(http.StatusNotFound, ErrNodeNotFound.Code, "node not found", err)
	case errors.Is(err, ErrInvalidParent):
		return newServiceError(http.StatusUnprocessableEntity, ErrInvalidParent.Code, ErrInvalidParent.Message, err)
	case errors.Is(err, ErrCyclicMove):
		return newServiceError(http.StatusConflict, ErrCyclicMove.Code, ErrCyclicMove.Message, err)
	case errors.Is(err, ErrHasActiveDescendants):
		return newServiceError(http.StatusConflict, ErrHasActiveDescendants.Code, ErrHasActiveDescendants.Message, err)
	case errors.Is(err, ErrLevelMismatch):
		return newServiceError(http.StatusUnprocessableEntity, ErrLevelMismatch.Code, ErrLevelMismatch.Message, err)
	case errors.Is(err, ErrInvalidExtensionParent):
		return newServiceError(http.StatusUnprocessableEntity, ErrInvalidExtensionParent.Code, ErrInvalidExtensionParent.Message, err)
	case errors.Is(err, ErrCacheInconsistent):
		return newServiceError(http.StatusServiceUnavailable, ErrCacheInconsistent.Code, ErrCacheInconsistent.Message, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return newServiceError(http.StatusConflict, "HIERARCHY_CONFLICT", "unique constraint violated", err)
		case "23503": // foreign_key_violation
			return newServiceError(http.StatusUnprocessableEntity, "HIERARCHY_INVALID_REFERENCE", "referenced node does not exist", err)
		}
	}

	return err
}
