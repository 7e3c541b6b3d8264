// memory based implementation for testing and single-node deployments
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-xchange/appsuite-middleware-sub085/server/recurrence"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

// Store implements storage.Store and storage.Directory using in-memory maps
type Store struct {
	mu         sync.RWMutex
	folders    map[string]*storage.Folder
	objects    map[string]*storage.CalendarObject // key: object ID
	tombstones []storage.Tombstone
	identities []*storage.Identity

	engine *recurrence.Engine
	clock  func() time.Time
	last   time.Time
}

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		folders: make(map[string]*storage.Folder),
		objects: make(map[string]*storage.CalendarObject),
		engine:  recurrence.NewEngine(),
		clock:   time.Now,
	}
}

// SetClock replaces the time source used for modification stamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// now returns a millisecond-precision stamp strictly after the previous one,
// so that every write is visible to a sync token taken before it.
func (s *Store) now() time.Time {
	t := s.clock().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

// Folder and identity setup

func (s *Store) AddFolder(f storage.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[f.ID] = &f
}

func (s *Store) AddIdentity(id storage.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, &id)
}

func (s *Store) GetFolder(_ context.Context, folderID string) (*storage.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[folderID]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, storage.ErrNotFound)
	}
	c := *f
	return &c, nil
}

func (s *Store) LookupAddress(_ context.Context, address string) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.identities {
		if id.Matches(address) {
			c := *id
			return &c, nil
		}
	}
	return nil, fmt.Errorf("address %s: %w", address, storage.ErrNotFound)
}

// Calendar object operations

func (s *Store) touches(obj *storage.CalendarObject, window storage.TimeRange) bool {
	ok, err := s.engine.Touches(obj, window)
	if err != nil {
		// an unexpandable rule still shows up once at its start
		return window.Intersects(obj.Start, obj.End)
	}
	return ok
}

func (s *Store) ListObjects(_ context.Context, folderID string, window storage.TimeRange, proj storage.Projection) ([]*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.folders[folderID]; !ok {
		return nil, fmt.Errorf("folder %s: %w", folderID, storage.ErrNotFound)
	}

	masters := make(map[string]bool)
	var objects []*storage.CalendarObject
	for _, obj := range s.objects {
		if obj.FolderID != folderID || obj.IsException() || !s.touches(obj, window) {
			continue
		}
		if obj.SeriesID != "" {
			masters[obj.SeriesID] = true
		}
		objects = append(objects, obj)
	}
	for _, obj := range s.objects {
		if obj.FolderID != folderID || !obj.IsException() {
			continue
		}
		if masters[obj.SeriesID] || window.Intersects(obj.Start, obj.End) {
			objects = append(objects, obj)
		}
	}
	return s.project(objects, proj), nil
}

func (s *Store) project(objects []*storage.CalendarObject, proj storage.Projection) []*storage.CalendarObject {
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	out := make([]*storage.CalendarObject, len(objects))
	for i, obj := range objects {
		if proj == storage.ProjectionBasic {
			out[i] = storage.Strip(obj)
		} else {
			out[i] = obj.Clone()
		}
	}
	return out
}

func (s *Store) GetObject(_ context.Context, id string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, storage.ErrNotFound)
	}
	return obj.Clone(), nil
}

func (s *Store) GetObjects(_ context.Context, ids []string) ([]*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []*storage.CalendarObject
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok {
			objects = append(objects, obj.Clone())
		}
	}
	return objects, nil
}

func (s *Store) CreateObject(_ context.Context, obj *storage.CalendarObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.folders[obj.FolderID]; !ok {
		return fmt.Errorf("folder %s: %w", obj.FolderID, storage.ErrNotFound)
	}
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	if _, exists := s.objects[obj.ID]; exists {
		return fmt.Errorf("object %s already exists: %w", obj.ID, storage.ErrConflict)
	}
	if obj.Rule != nil && obj.SeriesID == "" {
		obj.SeriesID = obj.ID
	}
	if obj.IsException() {
		master, ok := s.objects[obj.SeriesID]
		if !ok {
			return fmt.Errorf("series %s: %w", obj.SeriesID, storage.ErrNotFound)
		}
		obj.UID = master.UID
	} else if obj.UID != "" {
		for _, other := range s.objects {
			if other.FolderID == obj.FolderID && other.UID == obj.UID && !other.IsException() {
				return storage.Validation(storage.PreconditionNoUIDConflict, "uid %s already used by %s", obj.UID, other.ID)
			}
		}
	}

	now := s.now()
	obj.Created = now
	obj.LastModified = now
	s.objects[obj.ID] = obj.Clone()
	return nil
}

func (s *Store) checkKnown(obj *storage.CalendarObject, lastKnown time.Time) error {
	if !lastKnown.IsZero() && !obj.LastModified.Equal(lastKnown.UTC().Truncate(time.Millisecond)) {
		return fmt.Errorf("object %s modified at %s, expected %s: %w",
			obj.ID, obj.LastModified.Format(time.RFC3339Nano), lastKnown.Format(time.RFC3339Nano), storage.ErrConflict)
	}
	return nil
}

func (s *Store) UpdateObject(_ context.Context, obj *storage.CalendarObject, lastKnown time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.objects[obj.ID]
	if !ok {
		return fmt.Errorf("object %s: %w", obj.ID, storage.ErrNotFound)
	}
	if err := s.checkKnown(existing, lastKnown); err != nil {
		return err
	}

	obj.FolderID = existing.FolderID
	obj.Created = existing.Created
	if obj.SeriesID == "" && obj.Rule != nil {
		obj.SeriesID = obj.ID
	}
	obj.LastModified = s.now()
	s.objects[obj.ID] = obj.Clone()
	return nil
}

func (s *Store) tombstone(obj *storage.CalendarObject, at time.Time) {
	s.tombstones = append(s.tombstones, storage.Tombstone{
		ID:        obj.ID,
		FolderID:  obj.FolderID,
		UID:       obj.UID,
		SeriesID:  obj.SeriesID,
		Start:     obj.Start,
		End:       obj.RangeEnd(),
		DeletedAt: at,
	})
}

// exceptionsOf collects the change exceptions of a master.
func (s *Store) exceptionsOf(master *storage.CalendarObject) []*storage.CalendarObject {
	if master.Kind() != storage.RecurrenceMaster {
		return nil
	}
	var out []*storage.CalendarObject
	for _, obj := range s.objects {
		if obj.SeriesID == master.ID && obj.ID != master.ID {
			out = append(out, obj)
		}
	}
	return out
}

func (s *Store) DeleteObject(_ context.Context, id string, lastKnown time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, storage.ErrNotFound)
	}
	if err := s.checkKnown(obj, lastKnown); err != nil {
		return err
	}

	now := s.now()
	for _, exc := range s.exceptionsOf(obj) {
		s.tombstone(exc, now)
		delete(s.objects, exc.ID)
	}
	s.tombstone(obj, now)
	delete(s.objects, id)
	return nil
}

func (s *Store) DeleteOccurrence(_ context.Context, seriesID string, position time.Time, lastKnown time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	master, ok := s.objects[seriesID]
	if !ok || master.Kind() != storage.RecurrenceMaster {
		return fmt.Errorf("series %s: %w", seriesID, storage.ErrNotFound)
	}
	if err := s.checkKnown(master, lastKnown); err != nil {
		return err
	}

	now := s.now()
	for _, exc := range s.exceptionsOf(master) {
		if exc.RecurrencePosition.Equal(position) {
			s.tombstone(exc, now)
			delete(s.objects, exc.ID)
		}
	}
	for _, ex := range master.DeleteExceptions {
		if ex.Equal(position) {
			master.LastModified = now
			return nil
		}
	}
	master.DeleteExceptions = append(master.DeleteExceptions, position)
	sort.Slice(master.DeleteExceptions, func(i, j int) bool {
		return master.DeleteExceptions[i].Before(master.DeleteExceptions[j])
	})
	master.LastModified = now
	return nil
}

func (s *Store) MoveObject(_ context.Context, id, targetFolderID string, lastKnown time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, storage.ErrNotFound)
	}
	if _, ok := s.folders[targetFolderID]; !ok {
		return fmt.Errorf("folder %s: %w", targetFolderID, storage.ErrNotFound)
	}
	if err := s.checkKnown(obj, lastKnown); err != nil {
		return err
	}
	if obj.IsException() {
		return storage.Validation(storage.PreconditionValidResource, "change exception %s cannot be moved on its own", id)
	}
	if obj.FolderID == targetFolderID {
		return nil
	}

	now := s.now()
	for _, o := range append(s.exceptionsOf(obj), obj) {
		s.tombstone(o, now)
		o.FolderID = targetFolderID
		o.LastModified = now
	}
	return nil
}

// Sync support

func (s *Store) ListModifiedSince(_ context.Context, folderID string, since time.Time, window storage.TimeRange) ([]*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []*storage.CalendarObject
	for _, obj := range s.objects {
		if obj.FolderID != folderID || !obj.LastModified.After(since) {
			continue
		}
		if obj.IsException() {
			if !window.Intersects(obj.Start, obj.End) {
				continue
			}
		} else if !s.touches(obj, window) {
			continue
		}
		objects = append(objects, obj)
	}
	return s.project(objects, storage.ProjectionFull), nil
}

func (s *Store) ListDeletedSince(_ context.Context, folderID string, since time.Time, window storage.TimeRange) ([]storage.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Tombstone
	for _, ts := range s.tombstones {
		if ts.FolderID == folderID && ts.DeletedAt.After(since) && window.Intersects(ts.Start, ts.End) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (s *Store) PurgeTombstones(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tombstones[:0]
	var purged int64
	for _, ts := range s.tombstones {
		if ts.DeletedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ts)
	}
	s.tombstones = kept
	return purged, nil
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.Directory = (*Store)(nil)
)
