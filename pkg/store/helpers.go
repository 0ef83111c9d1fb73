package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ============================================================================
// Generic GORM helpers
// ============================================================================
//
// These helpers reduce repetitive CRUD boilerplate across the per-entity
// repository files. They are unexported and operate on the raw *gorm.DB so
// both Store methods and transaction callbacks can use them.

// convertNotFoundError maps gorm.ErrRecordNotFound to the entity-specific
// sentinel so callers match with errors.Is against domain errors only.
func convertNotFoundError(err, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}

// convertDuplicateError maps unique-constraint violations to the
// entity-specific duplicate sentinel.
func convertDuplicateError(err, dupErr error) error {
	if isUniqueConstraintError(err) {
		return dupErr
	}
	return err
}

// getByFields retrieves a single record of type T matching all field=value
// conditions in where.
func getByFields[T any](db *gorm.DB, ctx context.Context, where map[string]any, notFoundErr error) (*T, error) {
	var result T
	if err := db.WithContext(ctx).Where(where).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// listWhere retrieves all records of type T matching the conditions,
// ordered by the given clause. Returns an empty slice, not nil, when no
// rows match.
func listWhere[T any](db *gorm.DB, ctx context.Context, order string, query string, args ...any) ([]*T, error) {
	var results []*T
	q := db.WithContext(ctx)
	if query != "" {
		q = q.Where(query, args...)
	}
	if order != "" {
		q = q.Order(order)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
