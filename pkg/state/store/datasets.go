package store

import (
	"context"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// CreateDataset inserts a dataset record.
func (s *GORMStore) CreateDataset(ctx context.Context, dataset *models.Dataset) error {
	return create(s.db, ctx, dataset, models.ErrDuplicateDataset)
}

// GetDataset retrieves a dataset by id.
func (s *GORMStore) GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	return getByField[models.Dataset](s.db, ctx, "dataset_id", datasetID, models.ErrDatasetNotFound)
}

// GetDatasetByUserAndName retrieves a dataset by owner and name.
func (s *GORMStore) GetDatasetByUserAndName(ctx context.Context, userID, name string) (*models.Dataset, error) {
	var dataset models.Dataset
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND dataset_name = ?", userID, name).
		First(&dataset).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrDatasetNotFound)
	}
	return &dataset, nil
}

// GetDatasetsByName retrieves all datasets with the given name, regardless
// of owner.
func (s *GORMStore) GetDatasetsByName(ctx context.Context, name string) ([]*models.Dataset, error) {
	var datasets []*models.Dataset
	err := s.db.WithContext(ctx).
		Where("dataset_name = ?", name).
		Find(&datasets).Error
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

// DeleteDataset removes a dataset record.
func (s *GORMStore) DeleteDataset(ctx context.Context, datasetID string) error {
	return s.db.WithContext(ctx).
		Where("dataset_id = ?", datasetID).
		Delete(&models.Dataset{}).Error
}
