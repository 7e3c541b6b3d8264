package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store and Directory interfaces for testing
type MockStore struct {
	mock.Mock
}

var (
	_ Store     = (*MockStore)(nil)
	_ Directory = (*MockStore)(nil)
)

func (m *MockStore) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	args := m.Called(ctx, folderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Folder), args.Error(1)
}

func (m *MockStore) ListObjects(ctx context.Context, folderID string, window TimeRange, proj Projection) ([]*CalendarObject, error) {
	args := m.Called(ctx, folderID, window, proj)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*CalendarObject), args.Error(1)
}

func (m *MockStore) GetObject(ctx context.Context, id string) (*CalendarObject, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CalendarObject), args.Error(1)
}

func (m *MockStore) GetObjects(ctx context.Context, ids []string) ([]*CalendarObject, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*CalendarObject), args.Error(1)
}

func (m *MockStore) CreateObject(ctx context.Context, obj *CalendarObject) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *MockStore) UpdateObject(ctx context.Context, obj *CalendarObject, lastKnown time.Time) error {
	return m.Called(ctx, obj, lastKnown).Error(0)
}

func (m *MockStore) DeleteObject(ctx context.Context, id string, lastKnown time.Time) error {
	return m.Called(ctx, id, lastKnown).Error(0)
}

func (m *MockStore) DeleteOccurrence(ctx context.Context, seriesID string, position time.Time, lastKnown time.Time) error {
	return m.Called(ctx, seriesID, position, lastKnown).Error(0)
}

func (m *MockStore) MoveObject(ctx context.Context, id, targetFolderID string, lastKnown time.Time) error {
	return m.Called(ctx, id, targetFolderID, lastKnown).Error(0)
}

func (m *MockStore) ListModifiedSince(ctx context.Context, folderID string, since time.Time, window TimeRange) ([]*CalendarObject, error) {
	args := m.Called(ctx, folderID, since, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*CalendarObject), args.Error(1)
}

func (m *MockStore) ListDeletedSince(ctx context.Context, folderID string, since time.Time, window TimeRange) ([]Tombstone, error) {
	args := m.Called(ctx, folderID, since, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Tombstone), args.Error(1)
}

func (m *MockStore) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) LookupAddress(ctx context.Context, address string) (*Identity, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

// --- Helper methods for creating test data ---

// NewMockEvent creates a single, non-recurring test event.
func NewMockEvent(id, folderID, uid, summary string, start, end time.Time) *CalendarObject {
	return &CalendarObject{
		ID:           id,
		FolderID:     folderID,
		UID:          uid,
		Summary:      summary,
		Start:        start,
		End:          end,
		Created:      start.Add(-24 * time.Hour),
		LastModified: start.Add(-time.Hour),
	}
}

// NewMockSeries creates a weekly series master.
func NewMockSeries(id, folderID, uid, summary string, start, end time.Time) *CalendarObject {
	obj := NewMockEvent(id, folderID, uid, summary, start, end)
	obj.SeriesID = id
	obj.Rule = &RecurrenceRule{Freq: FreqWeekly}
	return obj
}

// NewMockException creates a change exception of master at position.
func NewMockException(id string, master *CalendarObject, position time.Time) *CalendarObject {
	obj := NewMockEvent(id, master.FolderID, master.UID, master.Summary, position, position.Add(master.End.Sub(master.Start)))
	obj.SeriesID = master.ID
	obj.RecurrencePosition = position
	return obj
}
