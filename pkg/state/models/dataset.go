package models

import "time"

// Dataset groups entries across uploads under a user-chosen name. Only the
// fields needed to validate and translate dataset references during bundle
// import are stored.
type Dataset struct {
	DatasetID   string    `gorm:"primaryKey;size:32" json:"dataset_id"`
	DatasetName string    `gorm:"index;not null;size:255" json:"dataset_name"`
	UserID      string    `gorm:"index;not null;size:36" json:"user_id"`
	CreateTime  time.Time `gorm:"autoCreateTime" json:"dataset_create_time"`
}

// TableName returns the table name for Dataset.
func (Dataset) TableName() string {
	return "datasets"
}
