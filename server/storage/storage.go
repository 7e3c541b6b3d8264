package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store connects the groupware backend (e.g. a relational database) with the
// CalDAV bridge. All calls are synchronous; implementations provide their own
// locking and optimistic concurrency. A zero lastKnown skips the
// concurrency check. Please use the error types provided.
type Store interface {
	// GetFolder returns folder metadata (owner, type).
	GetFolder(ctx context.Context, folderID string) (*Folder, error)

	// ListObjects returns all objects of a folder whose occurrences touch the
	// window. A zero window bound is unbounded. Exceptions are returned alongside
	// their masters.
	ListObjects(ctx context.Context, folderID string, window TimeRange, proj Projection) ([]*CalendarObject, error)
	// GetObject fetches one object with all fields, regardless of folder.
	GetObject(ctx context.Context, id string) (*CalendarObject, error)
	// GetObjects fetches several objects with all fields. Unknown ids are skipped.
	GetObjects(ctx context.Context, ids []string) ([]*CalendarObject, error)

	// CreateObject inserts a new object. The store assigns ID (if empty),
	// Created and LastModified.
	CreateObject(ctx context.Context, obj *CalendarObject) error
	// UpdateObject replaces an object. lastKnown must equal the stored
	// LastModified or ErrConflict is returned. The store bumps LastModified.
	UpdateObject(ctx context.Context, obj *CalendarObject, lastKnown time.Time) error
	// DeleteObject removes an object (and, for a master, its exceptions) and
	// records a tombstone.
	DeleteObject(ctx context.Context, id string, lastKnown time.Time) error
	// DeleteOccurrence adds a delete exception at position to the series and
	// drops a change exception stored for that position.
	DeleteOccurrence(ctx context.Context, seriesID string, position time.Time, lastKnown time.Time) error
	// MoveObject re-targets the folder of a master (exceptions follow) and
	// records a tombstone in the source folder.
	MoveObject(ctx context.Context, id, targetFolderID string, lastKnown time.Time) error

	// ListModifiedSince returns objects in the window modified strictly after since.
	ListModifiedSince(ctx context.Context, folderID string, since time.Time, window TimeRange) ([]*CalendarObject, error)
	// ListDeletedSince returns tombstones recorded strictly after since whose
	// original range intersects the window.
	ListDeletedSince(ctx context.Context, folderID string, since time.Time, window TimeRange) ([]Tombstone, error)
	// PurgeTombstones drops tombstones older than before.
	PurgeTombstones(ctx context.Context, before time.Time) (int64, error)
}

// Directory resolves calendar user addresses to internal identities.
type Directory interface {
	// LookupAddress returns the internal identity owning address (email or
	// alias, with or without mailto:), or ErrNotFound for external addresses.
	LookupAddress(ctx context.Context, address string) (*Identity, error)
}

var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrConflict is returned when the last known modification does not match
	ErrConflict = errors.New("resource conflict")
	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Preconditions reported with validation errors.
const (
	PreconditionValidResource      = "valid-calendar-object-resource"
	PreconditionValidData          = "valid-calendar-data"
	PreconditionSupportedComponent = "supported-calendar-component"
	PreconditionNoUIDConflict      = "no-uid-conflict"
	PreconditionValidSyncToken     = "valid-sync-token"
)

// ValidationError is a client fault: the request carried a malformed or
// contradictory document.
type ValidationError struct {
	Precondition string
	Msg          string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Precondition, e.Msg)
}

// Validation returns a new ValidationError.
func Validation(precondition, format string, args ...any) error {
	return &ValidationError{Precondition: precondition, Msg: fmt.Sprintf(format, args...)}
}

// StorageError tags a backend failure with the resource path it was raised for.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure at %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage wraps err unless it is nil, a not-found, a conflict or already
// tagged, so callers can still match those with errors.Is.
func WrapStorage(path string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var ve *ValidationError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.As(err, &se) || errors.As(err, &ve) {
		return err
	}
	return &StorageError{Path: path, Err: err}
}
