package models

import "errors"

// Common errors for upload and entry state operations.
var (
	// Upload errors
	ErrUploadNotFound     = errors.New("upload not found")
	ErrDuplicateUpload    = errors.New("upload already exists")
	ErrUploadPublished    = errors.New("upload is already published")
	ErrUploadNotPublished = errors.New("upload is not published")

	// Entry errors
	ErrEntryNotFound = errors.New("entry not found")

	// Process errors
	ErrProcessAlreadyRunning = errors.New("a process is already running")
	ErrProcessNotRunning     = errors.New("no process is running")

	// User errors
	ErrUserNotFound  = errors.New("user not found")
	ErrDuplicateUser = errors.New("user already exists")

	// Dataset errors
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrDuplicateDataset = errors.New("dataset already exists")

	// Authorization errors
	ErrNotAuthorized = errors.New("not authorized")
)
