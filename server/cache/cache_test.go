package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	t0     = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	window = storage.TimeRange{Start: t0.AddDate(0, -1, 0), End: t0.AddDate(1, 0, 0)}
)

func newTestCache(t *testing.T, store storage.Store, strict bool) *Cache {
	return New(store, Options{Window: window, Strict: strict, Logger: zaptest.NewLogger(t)})
}

func fixture() (single, master, exception *storage.CalendarObject) {
	single = storage.NewMockEvent("1", "f1", "single-uid", "Standup", t0, t0.Add(time.Hour))
	master = storage.NewMockSeries("2", "f1", "series-uid", "Weekly", t0, t0.Add(time.Hour))
	exception = storage.NewMockException("3", master, t0.AddDate(0, 0, 7))
	return single, master, exception
}

func TestFolderChildren_PartitionsAndCaches(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, master, exception := fixture()
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception}, nil).Once()

	c := newTestCache(t, store, false)
	children, err := c.FolderChildren(ctx, "f1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []*storage.CalendarObject{single, master}, children)

	_, err = c.FolderChildren(ctx, "f1")
	require.NoError(t, err)
	store.AssertNumberOfCalls(t, "ListObjects", 1)
}

func TestFolderChildren_StorageError(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return(nil, errors.New("connection reset"))

	_, err := newTestCache(t, store, false).FolderChildren(ctx, "f1")
	var se *storage.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/folders/f1", se.Path)
}

func TestFolderChildrenIn_StrictClamp(t *testing.T) {
	ctx := context.Background()
	single, master, _ := fixture()
	wide := storage.TimeRange{Start: t0.AddDate(-5, 0, 0), End: t0.AddDate(5, 0, 0)}

	t.Run("strict", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single}, nil).Once()
		c := newTestCache(t, store, true)

		children, err := c.FolderChildrenIn(ctx, "f1", wide)
		require.NoError(t, err)
		assert.Len(t, children, 1)
		store.AssertNumberOfCalls(t, "ListObjects", 1)
	})

	t.Run("lenient", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single}, nil).Once()
		store.On("ListObjects", ctx, "f1", wide, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single, master}, nil).Once()
		c := newTestCache(t, store, false)

		children, err := c.FolderChildrenIn(ctx, "f1", wide)
		require.NoError(t, err)
		assert.Len(t, children, 2)
		all, err := c.FolderChildren(ctx, "f1")
		require.NoError(t, err)
		assert.Len(t, all, 2, "wider results are merged into the folder entry")
	})
}

func TestComplete_UpgradeGuard(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, _, _ := fixture()
	full := single.Clone()
	full.Description = "loaded"
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single}, nil)
	store.On("GetObject", ctx, "1").Return(full, nil).Once()

	c := newTestCache(t, store, false)
	for i := 0; i < 3; i++ {
		obj, err := c.Complete(ctx, "1", "f1")
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, "loaded", obj.Description)
	}
	store.AssertNumberOfCalls(t, "GetObject", 1)

	children, err := c.FolderChildren(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "loaded", children[0].Description)
}

func TestComplete_StorageErrorKeepsGuardOpen(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, _, _ := fixture()
	full := single.Clone()
	full.Location = "Room A"
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single}, nil)
	store.On("GetObject", ctx, "1").Return(nil, storage.ErrStorageUnavailable).Once()
	store.On("GetObject", ctx, "1").Return(full, nil).Once()

	c := newTestCache(t, store, false)
	_, err := c.Complete(ctx, "1", "f1")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)

	obj, err := c.Complete(ctx, "1", "f1")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "Room A", obj.Location)
	store.AssertNumberOfCalls(t, "GetObject", 2)
}

func TestChangeExceptionsComplete_StorageErrorKeepsGuardOpen(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, master, exception := fixture()
	full := exception.Clone()
	full.Location = "Room B"
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception}, nil)
	store.On("GetObjects", ctx, []string{"3"}).Return(nil, storage.ErrStorageUnavailable).Once()
	store.On("GetObjects", ctx, []string{"3"}).Return([]*storage.CalendarObject{full}, nil).Once()

	c := newTestCache(t, store, false)
	_, err := c.ChangeExceptionsComplete(ctx, "2", "f1")
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)

	got, err := c.ChangeExceptionsComplete(ctx, "2", "f1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Room B", got[0].Location)
}

func TestComplete_OwnershipAndMissing(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	foreign := storage.NewMockEvent("9", "other", "x", "Elsewhere", t0, t0.Add(time.Hour))
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{}, nil)
	store.On("GetObject", ctx, "9").Return(foreign, nil)
	store.On("GetObject", ctx, "404").Return(nil, storage.ErrNotFound)

	c := newTestCache(t, store, false)
	obj, err := c.Complete(ctx, "9", "f1")
	require.NoError(t, err)
	assert.Nil(t, obj)

	obj, err = c.Complete(ctx, "404", "f1")
	require.NoError(t, err)
	assert.Nil(t, obj)

	obj, err = c.Complete(ctx, "", "f1")
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestChangeExceptionsComplete(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, master, exception := fixture()
	full := exception.Clone()
	full.Location = "Room B"
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception}, nil)
	store.On("GetObjects", ctx, []string{"3"}).Return([]*storage.CalendarObject{full}, nil).Once()

	c := newTestCache(t, store, false)
	for i := 0; i < 2; i++ {
		got, err := c.ChangeExceptionsComplete(ctx, "2", "f1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Room B", got[0].Location)
	}
	store.AssertNumberOfCalls(t, "GetObjects", 1)

	none, err := c.ChangeExceptionsComplete(ctx, "1", "f1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResolveUID(t *testing.T) {
	ctx := context.Background()
	single, master, exception := fixture()
	late := storage.NewMockEvent("5", "f1", "late-uid", "Far future", t0.AddDate(3, 0, 0), t0.AddDate(3, 0, 0).Add(time.Hour))
	vendor := storage.NewMockEvent("6", "f1", "040000008200E00074C5B7101A82E008@outlook.microsoft.com", "Vendor", t0, t0.Add(time.Hour))

	store := new(storage.MockStore)
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception, vendor}, nil).Once()
	store.On("ListObjects", ctx, "f1", storage.TimeRange{}, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception, vendor, late}, nil).Once()
	c := newTestCache(t, store, false)

	id, err := c.ResolveUID(ctx, "single-uid", "f1")
	require.NoError(t, err)
	assert.Equal(t, "1", id.MustGet())

	id, err = c.ResolveUID(ctx, "series-uid", "f1")
	require.NoError(t, err)
	assert.Equal(t, "2", id.MustGet())

	id, err = c.ResolveUID(ctx, "040000008200E00074C5B7101A82E008%40outlook_microsoft.com", "f1")
	require.NoError(t, err)
	assert.Equal(t, "6", id.MustGet(), "percent-decoding and vendor rewrite")

	id, err = c.ResolveUID(ctx, "late-uid", "f1")
	require.NoError(t, err)
	assert.Equal(t, "5", id.MustGet(), "a miss rebuilds the index once")

	id, err = c.ResolveUID(ctx, "unknown", "f1")
	require.NoError(t, err)
	assert.True(t, id.IsAbsent())

	id, err = c.ResolveUID(ctx, "%zz", "f1")
	require.NoError(t, err)
	assert.True(t, id.IsAbsent(), "malformed names are not found")

	store.AssertNumberOfCalls(t, "ListObjects", 2)
}

func TestLastModification(t *testing.T) {
	ctx := context.Background()
	single, master, _ := fixture()
	single.LastModified = t0.Add(-2 * time.Hour)
	master.LastModified = t0.Add(-time.Hour)

	t.Run("newest object", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single, master}, nil)
		store.On("ListDeletedSince", ctx, "f1", master.LastModified, window).Return([]storage.Tombstone{}, nil)

		got, err := newTestCache(t, store, false).LastModification(ctx, "f1", window)
		require.NoError(t, err)
		assert.Equal(t, master.LastModified, got)
	})

	t.Run("later deletion wins", func(t *testing.T) {
		store := new(storage.MockStore)
		deletedAt := t0.Add(-30 * time.Minute)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single, master}, nil)
		store.On("ListDeletedSince", ctx, "f1", master.LastModified, window).
			Return([]storage.Tombstone{{ID: "7", FolderID: "f1", DeletedAt: deletedAt}}, nil)

		got, err := newTestCache(t, store, false).LastModification(ctx, "f1", window)
		require.NoError(t, err)
		assert.Equal(t, deletedAt, got)
	})

	t.Run("wider listings are ignored", func(t *testing.T) {
		late := storage.NewMockEvent("5", "f1", "late-uid", "Far future", t0.AddDate(3, 0, 0), t0.AddDate(3, 0, 0).Add(time.Hour))
		late.LastModified = t0
		store := new(storage.MockStore)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single, master}, nil).Once()
		store.On("ListObjects", ctx, "f1", storage.TimeRange{}, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{single, master, late}, nil).Once()
		store.On("ListDeletedSince", ctx, "f1", master.LastModified, window).Return([]storage.Tombstone{}, nil)

		c := newTestCache(t, store, false)
		id, err := c.ResolveUID(ctx, "late-uid", "f1")
		require.NoError(t, err)
		require.Equal(t, "5", id.MustGet())

		got, err := c.LastModification(ctx, "f1", window)
		require.NoError(t, err)
		assert.Equal(t, master.LastModified, got)
	})

	t.Run("empty folder", func(t *testing.T) {
		store := new(storage.MockStore)
		store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
			Return([]*storage.CalendarObject{}, nil)
		store.On("ListDeletedSince", ctx, "f1", Epoch, window).Return([]storage.Tombstone{}, nil)

		got, err := newTestCache(t, store, false).LastModification(ctx, "f1", window)
		require.NoError(t, err)
		assert.Equal(t, Epoch, got)
	})
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	single, master, exception := fixture()
	store.On("ListObjects", ctx, "f1", window, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception}, nil)
	store.On("ListObjects", ctx, "f1", storage.TimeRange{}, storage.ProjectionBasic).
		Return([]*storage.CalendarObject{single, master, exception}, nil)

	c := newTestCache(t, store, false)
	_, err := c.FolderChildren(ctx, "f1")
	require.NoError(t, err)

	c.Evict("f1", "2")

	children, err := c.FolderChildren(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []*storage.CalendarObject{single}, children)

	obj, err := c.Complete(ctx, "2", "f1")
	require.NoError(t, err)
	assert.Nil(t, obj)

	exceptions, err := c.ChangeExceptionsComplete(ctx, "2", "f1")
	require.NoError(t, err)
	assert.Empty(t, exceptions)

	id, err := c.ResolveUID(ctx, "series-uid", "f1")
	require.NoError(t, err)
	assert.True(t, id.IsAbsent())
	store.AssertNotCalled(t, "GetObject", mock.Anything, "2")
}
