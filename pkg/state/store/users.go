package store

import (
	"context"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// CreateUser inserts a user record.
func (s *GORMStore) CreateUser(ctx context.Context, user *models.User) error {
	return create(s.db, ctx, user, models.ErrDuplicateUser)
}

// GetUser retrieves a user by id.
func (s *GORMStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "id", userID, models.ErrUserNotFound)
}

// GetUserByUsername retrieves a user by username.
func (s *GORMStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return getByField[models.User](s.db, ctx, "username", username, models.ErrUserNotFound)
}
