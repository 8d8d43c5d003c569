package store

import (
	"context"

	"gorm.io/gorm"
)

// Generic GORM helpers shared by the per-document store files. They operate
// on the raw *gorm.DB and convert gorm.ErrRecordNotFound to the domain error
// of the caller.

// getByField retrieves a single record of type T by matching field=value.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error) (*T, error) {
	var result T
	if err := db.WithContext(ctx).Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// create inserts the entity, converting unique constraint violations to dupErr.
func create[T any](db *gorm.DB, ctx context.Context, entity *T, dupErr error) error {
	if err := db.WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueConstraintError(err) {
			return dupErr
		}
		return err
	}
	return nil
}
