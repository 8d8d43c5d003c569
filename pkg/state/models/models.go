// Package models defines the persisted documents of the processing state
// store and the process state machine they share.
package models

// AllModels returns all models for database auto-migration.
func AllModels() []any {
	return []any{
		&Upload{},
		&Entry{},
		&Dataset{},
		&User{},
	}
}
