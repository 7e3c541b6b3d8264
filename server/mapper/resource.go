package mapper

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/cache"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/samber/mo"
)

// Kind tags the two shapes of a resource.
type Kind int

const (
	// RealMaster resources carry their master (or single event).
	RealMaster Kind = iota
	// PhantomMaster resources stand in for a series whose master is not
	// visible; only change exceptions are present. Never persisted.
	PhantomMaster
)

func (k Kind) String() string {
	if k == PhantomMaster {
		return "phantom"
	}
	return "real"
}

// Resource is one CalDAV resource: a master plus its change exceptions, all
// sharing one UID.
type Resource struct {
	Kind       Kind
	FolderID   string
	Master     *storage.CalendarObject
	Exceptions []*storage.CalendarObject
}

// SeriesID is the master identifier, also for phantoms.
func (r *Resource) SeriesID() string {
	if r.Master != nil {
		return r.Master.ID
	}
	if len(r.Exceptions) > 0 {
		return r.Exceptions[0].SeriesID
	}
	return ""
}

// UID shared by all members.
func (r *Resource) UID() string {
	if r.Master != nil {
		return r.Master.UID
	}
	for _, exc := range r.Exceptions {
		if exc.UID != "" {
			return exc.UID
		}
	}
	return ""
}

// Name is the file name the resource is exposed under.
func (r *Resource) Name() string {
	return storage.ResourceName(r.UID(), r.SeriesID())
}

// Members lists the master (if any) followed by the exceptions.
func (r *Resource) Members() []*storage.CalendarObject {
	var out []*storage.CalendarObject
	if r.Master != nil {
		out = append(out, r.Master)
	}
	return append(out, r.Exceptions...)
}

// LastModified is the newest modification among members.
func (r *Resource) LastModified() time.Time {
	var latest time.Time
	for _, m := range r.Members() {
		if m.LastModified.After(latest) {
			latest = m.LastModified
		}
	}
	return latest
}

// ETag derives a strong entity tag from the member stamps.
func (r *Resource) ETag() string {
	members := r.Members()
	return `"` + strconv.FormatInt(r.LastModified().UnixMilli(), 10) + "-" + strconv.Itoa(len(members)) + `"`
}

// newResource builds a resource from an optional master and its exceptions.
func newResource(folderID string, master *storage.CalendarObject, exceptions []*storage.CalendarObject) *Resource {
	sorted := append([]*storage.CalendarObject(nil), exceptions...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RecurrencePosition.Before(sorted[j].RecurrencePosition)
	})
	r := &Resource{Kind: RealMaster, FolderID: folderID, Master: master, Exceptions: sorted}
	if master == nil {
		r.Kind = PhantomMaster
	}
	return r
}

// Load resolves a resource name ("<uid>.ics" or "<id>.ics") within a folder.
// Unknown or malformed names yield None.
func Load(ctx context.Context, c *cache.Cache, folderID, name string) (mo.Option[*Resource], error) {
	base, ok := strings.CutSuffix(name, ".ics")
	if !ok || base == "" {
		return mo.None[*Resource](), nil
	}
	id, err := c.ResolveUID(ctx, base, folderID)
	if err != nil {
		return mo.None[*Resource](), err
	}
	seriesID := id.OrElse(base)

	master, err := c.Complete(ctx, seriesID, folderID)
	if err != nil {
		return mo.None[*Resource](), err
	}
	if master != nil && master.IsException() {
		// a name must address the whole series, not one of its exceptions
		return mo.None[*Resource](), nil
	}
	if id.IsAbsent() && master != nil && storage.ResourceName(master.UID, master.ID) != name {
		return mo.None[*Resource](), nil
	}

	var exceptions []*storage.CalendarObject
	if master == nil || master.Kind() == storage.RecurrenceMaster {
		exceptions, err = c.ChangeExceptionsComplete(ctx, seriesID, folderID)
		if err != nil {
			return mo.None[*Resource](), err
		}
	}
	if master == nil && len(exceptions) == 0 {
		return mo.None[*Resource](), nil
	}
	return mo.Some(newResource(folderID, master, exceptions)), nil
}

// List returns the resources of a folder within the cache window, built from
// the basic projection. Series whose master is not visible become phantoms.
func List(ctx context.Context, c *cache.Cache, folderID string) ([]*Resource, error) {
	children, err := c.FolderChildren(ctx, folderID)
	if err != nil {
		return nil, err
	}
	groups, err := c.FolderExceptions(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return group(folderID, children, groups), nil
}

// ListIn is List over a caller-supplied window.
func ListIn(ctx context.Context, c *cache.Cache, folderID string, window storage.TimeRange) ([]*Resource, error) {
	children, err := c.FolderChildrenIn(ctx, folderID, window)
	if err != nil {
		return nil, err
	}
	groups, err := c.FolderExceptions(ctx, folderID)
	if err != nil {
		return nil, err
	}
	window = c.ClampWindow(window)
	visible := make(map[string][]*storage.CalendarObject, len(groups))
	for _, child := range children {
		visible[child.ID] = groups[child.ID]
	}
	for id, exceptions := range groups {
		if _, ok := visible[id]; ok {
			continue
		}
		for _, exc := range exceptions {
			if window.Intersects(exc.Start, exc.End) {
				visible[id] = exceptions
				break
			}
		}
	}
	return group(folderID, children, visible), nil
}

func group(folderID string, children []*storage.CalendarObject, groups map[string][]*storage.CalendarObject) []*Resource {
	var out []*Resource
	seen := make(map[string]bool)
	for _, child := range children {
		seen[child.ID] = true
		out = append(out, newResource(folderID, child, groups[child.ID]))
	}
	seriesIDs := make([]string, 0, len(groups))
	for id := range groups {
		if !seen[id] && len(groups[id]) > 0 {
			seriesIDs = append(seriesIDs, id)
		}
	}
	sort.Strings(seriesIDs)
	for _, id := range seriesIDs {
		out = append(out, newResource(folderID, nil, groups[id]))
	}
	return out
}
