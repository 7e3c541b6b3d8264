package memory

import (
	"context"
	"testing"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	store := New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	store.AddFolder(storage.Folder{ID: "f1", OwnerID: "1", OwnerAddress: "mailto:alice@example.com"})
	store.AddFolder(storage.Folder{ID: "f2", OwnerID: "1", OwnerAddress: "mailto:alice@example.com"})
	return store, &now
}

func event(uid string, start time.Time) *storage.CalendarObject {
	return &storage.CalendarObject{
		FolderID: "f1",
		UID:      uid,
		Summary:  uid,
		Start:    start,
		End:      start.Add(time.Hour),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	obj := event("uid-1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateObject(ctx, obj))
	assert.NotEmpty(t, obj.ID)
	assert.Equal(t, obj.Created, obj.LastModified)

	got, err := store.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", got.UID)

	got.Summary = "mutated"
	again, err := store.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", again.Summary, "returned objects must be copies")

	_, err = store.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.CreateObject(ctx, event("uid-1", obj.Start))
	var ve *storage.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, storage.PreconditionNoUIDConflict, ve.Precondition)
}

func TestStore_StrictlyIncreasingStamps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a := event("a", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	b := event("b", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateObject(ctx, a))
	require.NoError(t, store.CreateObject(ctx, b))
	assert.True(t, b.LastModified.After(a.LastModified))
}

func TestStore_UpdateConflict(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	obj := event("uid-1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateObject(ctx, obj))
	stamp := obj.LastModified

	*now = now.Add(time.Minute)
	update := obj.Clone()
	update.Summary = "changed"
	require.NoError(t, store.UpdateObject(ctx, update, stamp))
	assert.True(t, update.LastModified.After(stamp))

	stale := obj.Clone()
	err := store.UpdateObject(ctx, stale, stamp)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestStore_ListObjectsWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	march := event("march", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	may := event("may", time.Date(2024, 5, 5, 9, 0, 0, 0, time.UTC))
	series := event("series", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	series.Rule = &storage.RecurrenceRule{Freq: storage.FreqWeekly}
	for _, o := range []*storage.CalendarObject{march, may, series} {
		require.NoError(t, store.CreateObject(ctx, o))
	}
	exception := &storage.CalendarObject{
		FolderID:           "f1",
		SeriesID:           series.ID,
		RecurrencePosition: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		Start:              time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
		End:                time.Date(2024, 1, 8, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateObject(ctx, exception))
	assert.Equal(t, "series", exception.UID, "exceptions inherit the series uid")

	window := storage.TimeRange{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	got, err := store.ListObjects(ctx, "f1", window, storage.ProjectionBasic)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, o := range got {
		ids[o.ID] = true
		assert.Empty(t, o.Description)
	}
	assert.True(t, ids[march.ID])
	assert.False(t, ids[may.ID])
	assert.True(t, ids[series.ID])
	assert.True(t, ids[exception.ID], "exceptions come along with their master")

	_, err = store.ListObjects(ctx, "nope", window, storage.ProjectionFull)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DeleteOccurrence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	series := event("series", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	series.Rule = &storage.RecurrenceRule{Freq: storage.FreqDaily, Count: 5}
	require.NoError(t, store.CreateObject(ctx, series))
	position := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	exception := &storage.CalendarObject{
		FolderID:           "f1",
		SeriesID:           series.ID,
		RecurrencePosition: position,
		Start:              position.Add(time.Hour),
		End:                position.Add(2 * time.Hour),
	}
	require.NoError(t, store.CreateObject(ctx, exception))

	master, err := store.GetObject(ctx, series.ID)
	require.NoError(t, err)
	require.NoError(t, store.DeleteOccurrence(ctx, series.ID, position, master.LastModified))
	// idempotent
	require.NoError(t, store.DeleteOccurrence(ctx, series.ID, position, time.Time{}))

	master, err = store.GetObject(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{position}, master.DeleteExceptions)
	_, err = store.GetObject(ctx, exception.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := store.ListDeletedSince(ctx, "f1", time.Time{}, storage.TimeRange{})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, exception.ID, deleted[0].ID)
}

func TestStore_DeleteMasterDropsExceptions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	series := event("series", time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	series.Rule = &storage.RecurrenceRule{Freq: storage.FreqDaily}
	require.NoError(t, store.CreateObject(ctx, series))
	exception := &storage.CalendarObject{
		FolderID:           "f1",
		SeriesID:           series.ID,
		RecurrencePosition: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		Start:              time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		End:                time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateObject(ctx, exception))

	require.NoError(t, store.DeleteObject(ctx, series.ID, time.Time{}))
	objs, err := store.GetObjects(ctx, []string{series.ID, exception.ID})
	require.NoError(t, err)
	assert.Empty(t, objs)

	deleted, err := store.ListDeletedSince(ctx, "f1", time.Time{}, storage.TimeRange{})
	require.NoError(t, err)
	assert.Len(t, deleted, 2)
}

func TestStore_MoveLeavesTombstone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	obj := event("uid-1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateObject(ctx, obj))
	created := obj.LastModified

	require.NoError(t, store.MoveObject(ctx, obj.ID, "f2", created))

	moved, err := store.GetObject(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, "f2", moved.FolderID)

	gone, err := store.ListDeletedSince(ctx, "f1", created, storage.TimeRange{})
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, obj.ID, gone[0].ID)

	arrived, err := store.ListModifiedSince(ctx, "f2", created, storage.TimeRange{})
	require.NoError(t, err)
	require.Len(t, arrived, 1)

	assert.ErrorIs(t, store.MoveObject(ctx, obj.ID, "nope", time.Time{}), storage.ErrNotFound)
}

func TestStore_PurgeTombstones(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	obj := event("uid-1", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateObject(ctx, obj))
	require.NoError(t, store.DeleteObject(ctx, obj.ID, time.Time{}))

	n, err := store.PurgeTombstones(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.PurgeTombstones(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_LookupAddress(t *testing.T) {
	store, _ := newTestStore(t)
	store.AddIdentity(storage.Identity{EntityID: "7", Email: "bob@example.com", Aliases: []string{"robert@example.com"}})

	id, err := store.LookupAddress(context.Background(), "mailto:Robert@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "7", id.EntityID)

	_, err = store.LookupAddress(context.Background(), "mailto:stranger@example.org")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
