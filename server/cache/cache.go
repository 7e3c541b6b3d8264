// Package cache holds the request-scoped view of the groupware store: folder
// listings, a UID index and change-exception groups, upgraded to fully loaded
// objects at most once per request.
//
// A Cache is owned by a single request and is not safe for concurrent use.
package cache

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/samber/mo"
	"go.uber.org/zap"
)

// Epoch is returned by LastModification when nothing qualifies.
var Epoch = time.UnixMilli(0).UTC()

// Rewrite is one vendor fallback applied to an unresolvable UID.
type Rewrite struct {
	From string
	To   string
}

// VendorRewrites repairs UIDs whose resource names a client mangled by writing
// a vendor domain literally where a dot-prefixed fragment belongs.
var VendorRewrites = []Rewrite{
	{From: "_apple.com", To: ".apple.com"},
	{From: "_google.com", To: ".google.com"},
	{From: "_microsoft.com", To: ".microsoft.com"},
}

// Options configure a Cache.
type Options struct {
	// Window is the configured sync window, applied to every folder listing.
	Window storage.TimeRange
	// Strict clamps caller-supplied windows to Window.
	Strict bool
	Logger *zap.Logger
}

// objectKey identifies an object within the folder it was requested through.
type objectKey struct {
	id     string
	folder string
}

type folderEntry struct {
	children   []*storage.CalendarObject
	byID       map[string]*storage.CalendarObject
	exceptions map[string][]*storage.CalendarObject // key: series ID
	uids       map[string]string                    // uid -> object or series ID
	inWindow   map[string]bool                      // ids of the configured-window fetch
	rebuilt    bool
}

func newFolderEntry(objects []*storage.CalendarObject) *folderEntry {
	e := &folderEntry{
		byID:       make(map[string]*storage.CalendarObject),
		exceptions: make(map[string][]*storage.CalendarObject),
		uids:       make(map[string]string),
		inWindow:   make(map[string]bool, len(objects)),
	}
	e.add(objects)
	for _, obj := range objects {
		e.inWindow[obj.ID] = true
	}
	return e
}

// add partitions objects into children and change exceptions.
func (e *folderEntry) add(objects []*storage.CalendarObject) {
	for _, obj := range objects {
		if _, seen := e.byID[obj.ID]; seen {
			continue
		}
		e.byID[obj.ID] = obj
		if obj.IsException() {
			e.exceptions[obj.SeriesID] = append(e.exceptions[obj.SeriesID], obj)
			if _, ok := e.uids[obj.UID]; !ok && obj.UID != "" {
				e.uids[obj.UID] = obj.SeriesID
			}
			continue
		}
		e.children = append(e.children, obj)
		if obj.UID != "" {
			e.uids[obj.UID] = obj.ID
		}
	}
}

// replace swaps in a fully loaded copy, keeping the partition intact.
func (e *folderEntry) replace(obj *storage.CalendarObject) {
	if _, ok := e.byID[obj.ID]; !ok {
		e.add([]*storage.CalendarObject{obj})
		return
	}
	e.byID[obj.ID] = obj
	group := e.children
	if obj.IsException() {
		group = e.exceptions[obj.SeriesID]
	}
	for i, o := range group {
		if o.ID == obj.ID {
			group[i] = obj
		}
	}
}

func (e *folderEntry) remove(id string) {
	obj, ok := e.byID[id]
	if !ok {
		return
	}
	delete(e.byID, id)
	if obj.UID != "" && e.uids[obj.UID] == id {
		delete(e.uids, obj.UID)
	}
	if obj.IsException() {
		group := e.exceptions[obj.SeriesID]
		for i, exc := range group {
			if exc.ID == id {
				e.exceptions[obj.SeriesID] = append(group[:i:i], group[i+1:]...)
				break
			}
		}
		return
	}
	for i, child := range e.children {
		if child.ID == id {
			e.children = append(e.children[:i:i], e.children[i+1:]...)
			break
		}
	}
	for _, exc := range e.exceptions[id] {
		delete(e.byID, exc.ID)
	}
	delete(e.exceptions, id)
}

// Cache is the request-scoped object cache.
type Cache struct {
	store  storage.Store
	opts   Options
	logger *zap.Logger

	folders            map[string]*folderEntry
	upgraded           map[objectKey]bool
	exceptionsUpgraded map[objectKey]bool
	evicted            map[objectKey]bool
}

// New creates the cache for one request.
func New(store storage.Store, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:              store,
		opts:               opts,
		logger:             logger,
		folders:            make(map[string]*folderEntry),
		upgraded:           make(map[objectKey]bool),
		exceptionsUpgraded: make(map[objectKey]bool),
		evicted:            make(map[objectKey]bool),
	}
}

// Store returns the backing store.
func (c *Cache) Store() storage.Store { return c.store }

// Window returns the configured sync window.
func (c *Cache) Window() storage.TimeRange { return c.opts.Window }

func folderPath(folderID string) string {
	return "/folders/" + folderID
}

func (c *Cache) folder(ctx context.Context, folderID string) (*folderEntry, error) {
	if e, ok := c.folders[folderID]; ok {
		return e, nil
	}
	objects, err := c.store.ListObjects(ctx, folderID, c.opts.Window, storage.ProjectionBasic)
	if err != nil {
		return nil, storage.WrapStorage(folderPath(folderID), err)
	}
	e := newFolderEntry(objects)
	c.folders[folderID] = e
	c.logger.Debug("folder cached",
		zap.String("folder", folderID),
		zap.Int("children", len(e.children)),
		zap.Int("series_with_exceptions", len(e.exceptions)))
	return e, nil
}

// merge adds freshly listed objects to an entry, skipping evicted ones.
func (c *Cache) merge(e *folderEntry, folderID string, objects []*storage.CalendarObject) {
	kept := make([]*storage.CalendarObject, 0, len(objects))
	for _, obj := range objects {
		if !c.evicted[objectKey{obj.ID, folderID}] && !c.evicted[objectKey{obj.SeriesID, folderID}] {
			kept = append(kept, obj)
		}
	}
	e.add(kept)
}

// FolderChildren returns the non-exception objects of a folder within the
// configured window. Only the first call per folder hits the store.
func (c *Cache) FolderChildren(ctx context.Context, folderID string) ([]*storage.CalendarObject, error) {
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return e.children, nil
}

// FolderExceptions returns the change-exception groups of a folder keyed by
// series ID, in the basic projection unless already upgraded.
func (c *Cache) FolderExceptions(ctx context.Context, folderID string) (map[string][]*storage.CalendarObject, error) {
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return e.exceptions, nil
}

// ClampWindow applies the strict switch to a caller-supplied window.
func (c *Cache) ClampWindow(window storage.TimeRange) storage.TimeRange {
	if c.opts.Strict {
		return window.Clamp(c.opts.Window)
	}
	return window
}

// FolderChildrenIn returns the non-exception objects touching a caller-supplied
// window. In strict mode the window never exceeds the configured one. Results
// are merged into the folder entry so later lookups see them.
func (c *Cache) FolderChildrenIn(ctx context.Context, folderID string, window storage.TimeRange) ([]*storage.CalendarObject, error) {
	window = c.ClampWindow(window)
	if window.Equal(c.opts.Window) {
		return c.FolderChildren(ctx, folderID)
	}
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	objects, err := c.store.ListObjects(ctx, folderID, window, storage.ProjectionBasic)
	if err != nil {
		return nil, storage.WrapStorage(folderPath(folderID), err)
	}
	c.merge(e, folderID, objects)

	var out []*storage.CalendarObject
	for _, obj := range objects {
		if obj.IsException() || c.evicted[objectKey{obj.ID, folderID}] {
			continue
		}
		// prefer the cached (possibly upgraded) copy
		out = append(out, e.byID[obj.ID])
	}
	return out, nil
}

// Complete returns the fully loaded object, or nil when it does not exist or
// belongs to another folder. The store is asked at most once per (id, folder).
func (c *Cache) Complete(ctx context.Context, id, folderID string) (*storage.CalendarObject, error) {
	if id == "" {
		return nil, nil
	}
	key := objectKey{id: id, folder: folderID}
	if c.evicted[key] {
		return nil, nil
	}
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if c.upgraded[key] {
		return e.byID[id], nil
	}

	// the guard is only set once the outcome is definitive
	obj, err := c.store.GetObject(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			c.upgraded[key] = true
			e.remove(id)
			return nil, nil
		}
		return nil, storage.WrapStorage(folderPath(folderID)+"/"+id, err)
	}
	c.upgraded[key] = true
	if obj.FolderID != folderID {
		c.logger.Debug("object requested through foreign folder",
			zap.String("id", id),
			zap.String("folder", folderID),
			zap.String("owner_folder", obj.FolderID))
		e.remove(id)
		return nil, nil
	}
	e.replace(obj)
	return obj, nil
}

// ChangeExceptionsComplete returns the fully loaded change exceptions of a
// series visible in the folder, loaded at most once per (series, folder).
func (c *Cache) ChangeExceptionsComplete(ctx context.Context, seriesID, folderID string) ([]*storage.CalendarObject, error) {
	key := objectKey{id: seriesID, folder: folderID}
	if c.evicted[key] {
		return nil, nil
	}
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if c.exceptionsUpgraded[key] {
		return e.exceptions[seriesID], nil
	}

	group := e.exceptions[seriesID]
	if len(group) == 0 {
		c.exceptionsUpgraded[key] = true
		return nil, nil
	}
	ids := make([]string, len(group))
	for i, exc := range group {
		ids[i] = exc.ID
	}
	loaded, err := c.store.GetObjects(ctx, ids)
	if err != nil {
		return nil, storage.WrapStorage(folderPath(folderID)+"/"+seriesID, err)
	}
	c.exceptionsUpgraded[key] = true
	var full []*storage.CalendarObject
	for _, exc := range loaded {
		if exc.FolderID != folderID || exc.SeriesID != seriesID || !exc.IsException() {
			continue
		}
		e.byID[exc.ID] = exc
		c.upgraded[objectKey{id: exc.ID, folder: folderID}] = true
		full = append(full, exc)
	}
	for _, exc := range group {
		if _, ok := findByID(full, exc.ID); !ok {
			delete(e.byID, exc.ID)
		}
	}
	e.exceptions[seriesID] = full
	return full, nil
}

func findByID(objects []*storage.CalendarObject, id string) (*storage.CalendarObject, bool) {
	for _, o := range objects {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// ResolveUID maps a client UID to the server identifier of its master (or of
// the series, when only change exceptions are visible). On a miss the folder
// index is rebuilt once over an unbounded window, then vendor rewrites of the
// UID are tried.
func (c *Cache) ResolveUID(ctx context.Context, uid, folderID string) (mo.Option[string], error) {
	if uid == "" {
		return mo.None[string](), nil
	}
	e, err := c.folder(ctx, folderID)
	if err != nil {
		return mo.None[string](), err
	}
	candidates := uidCandidates(uid)
	if id, ok := c.lookup(e, folderID, candidates); ok {
		return mo.Some(id), nil
	}
	if e.rebuilt {
		return mo.None[string](), nil
	}
	e.rebuilt = true
	objects, err := c.store.ListObjects(ctx, folderID, storage.TimeRange{}, storage.ProjectionBasic)
	if err != nil {
		return mo.None[string](), storage.WrapStorage(folderPath(folderID), err)
	}
	c.merge(e, folderID, objects)
	if id, ok := c.lookup(e, folderID, candidates); ok {
		return mo.Some(id), nil
	}
	return mo.None[string](), nil
}

func (c *Cache) lookup(e *folderEntry, folderID string, candidates []string) (string, bool) {
	for _, candidate := range candidates {
		id, ok := e.uids[candidate]
		if ok && !c.evicted[objectKey{id, folderID}] {
			return id, true
		}
	}
	return "", false
}

// uidCandidates lists the UID followed by its percent-decoded form and the
// vendor rewrites of both.
func uidCandidates(uid string) []string {
	candidates := []string{uid}
	seen := map[string]bool{uid: true}
	push := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			candidates = append(candidates, s)
		}
	}
	if decoded, err := url.PathUnescape(uid); err == nil {
		push(decoded)
	}
	for _, base := range append([]string(nil), candidates...) {
		for _, rw := range VendorRewrites {
			if strings.Contains(base, rw.From) {
				push(strings.ReplaceAll(base, rw.From, rw.To))
			}
		}
	}
	return candidates
}

// LastModification is the folder change indicator for a window: the newest
// modification among objects in range, or the newest deletion recorded after
// it, whichever is later. Epoch when nothing qualifies.
func (c *Cache) LastModification(ctx context.Context, folderID string, window storage.TimeRange) (time.Time, error) {
	var objects []*storage.CalendarObject
	if window.Equal(c.opts.Window) {
		e, err := c.folder(ctx, folderID)
		if err != nil {
			return time.Time{}, err
		}
		// wider listings merged into the entry do not describe this window
		for id, obj := range e.byID {
			if e.inWindow[id] {
				objects = append(objects, obj)
			}
		}
	} else {
		var err error
		objects, err = c.store.ListObjects(ctx, folderID, window, storage.ProjectionBasic)
		if err != nil {
			return time.Time{}, storage.WrapStorage(folderPath(folderID), err)
		}
	}

	latest := Epoch
	for _, obj := range objects {
		if obj.LastModified.After(latest) {
			latest = obj.LastModified
		}
	}
	deleted, err := c.store.ListDeletedSince(ctx, folderID, latest, window)
	if err != nil {
		return time.Time{}, storage.WrapStorage(folderPath(folderID), err)
	}
	for _, ts := range deleted {
		if ts.DeletedAt.After(latest) {
			latest = ts.DeletedAt
		}
	}
	return latest.UTC().Truncate(time.Millisecond), nil
}

// Evict drops an object (and, for a master, its exceptions) from the folder
// view for the rest of the request, e.g. after it was moved or deleted.
func (c *Cache) Evict(folderID, id string) {
	c.evicted[objectKey{id: id, folder: folderID}] = true
	if e, ok := c.folders[folderID]; ok {
		e.remove(id)
	}
}
