package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors the service and API layers branch on. Lookups are
// ownership-scoped, so "not found" also covers access-denied without leaking
// whether another user's entity exists.
var (
	ErrUserNotFound     = errors.New("user not found or inactive")
	ErrChildNotFound    = errors.New("child not found or access denied")
	ErrTemplateNotFound = errors.New("story template not found or inactive")
	ErrStoryNotFound    = errors.New("story not found")
	ErrDuplicateRequest = errors.New("a story with this request id already exists")
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

// mapError translates driver errors into the store's sentinel errors.
func mapError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w", notFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %v", ErrDuplicateRequest, err)
		case foreignKeyViolationCode:
			return fmt.Errorf("%w: %v", notFound, err)
		}
	}
	return err
}
