// Package mapper turns CalDAV resources into calendar objects of the groupware
// store and back. Uploads are merged into the stored state with explicit
// removal semantics and participant protection; downloads thread one patch
// context through every component of the resource.
package mapper

import (
	"bytes"
	"context"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/open-xchange/appsuite-middleware-sub085/server/patch"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// Mapper converts and reconciles resources.
type Mapper struct {
	store     storage.Store
	directory storage.Directory
	pipeline  *patch.Pipeline
	logger    *zap.Logger
}

// New creates a mapper. A nil pipeline uses the default patch table.
func New(store storage.Store, directory storage.Directory, pipeline *patch.Pipeline, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pipeline == nil {
		pipeline = patch.New(nil, logger)
	}
	return &Mapper{store: store, directory: directory, pipeline: pipeline, logger: logger}
}

// Upload is a decoded client document: at most one master and its change
// exceptions, sharing UID.
type Upload struct {
	UID        string
	Master     *storage.CalendarObject
	Exceptions []*storage.CalendarObject
}

// Parse reads an iCalendar document.
func Parse(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, storage.Validation(storage.PreconditionValidData, "unparseable calendar data: %v", err)
	}
	return cal, nil
}

// Decode splits a calendar into master and change exceptions. Synthetic
// masters marked X-MOZ-FAKED-MASTER are dropped. A document without a UID
// gets a fresh one.
func Decode(cal *ical.Calendar) (*Upload, error) {
	var events []*ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if p := child.Props.Get(propFakedMaster); p != nil && p.Value == "1" {
			continue
		}
		events = append(events, child)
	}
	if len(events) == 0 {
		return nil, storage.Validation(storage.PreconditionSupportedComponent, "no usable VEVENT component")
	}

	uid := text(events[0], ical.PropUID)
	for _, ev := range events[1:] {
		if other := text(ev, ical.PropUID); other != uid {
			return nil, storage.Validation(storage.PreconditionValidResource, "components disagree on UID: %q and %q", uid, other)
		}
	}
	if uid == "" {
		uid = uuid.NewString()
	}

	up := &Upload{UID: uid}
	positions := make(map[int64]bool)
	for _, ev := range events {
		obj, err := decodeEvent(ev)
		if err != nil {
			return nil, err
		}
		obj.UID = uid
		if obj.RecurrencePosition.IsZero() {
			if up.Master != nil {
				return nil, storage.Validation(storage.PreconditionValidResource, "more than one master component for UID %q", uid)
			}
			up.Master = obj
			continue
		}
		key := obj.RecurrencePosition.UnixMilli()
		if positions[key] {
			return nil, storage.Validation(storage.PreconditionValidResource, "duplicate RECURRENCE-ID %s", obj.RecurrencePosition.Format(utcFormat))
		}
		positions[key] = true
		obj.Rule = nil
		obj.DeleteExceptions = nil
		up.Exceptions = append(up.Exceptions, obj)
	}
	return up, nil
}

// ToDocument serializes a resource: the master (none for a phantom) followed by
// every change exception, patched for the requesting client.
func (m *Mapper) ToDocument(res *Resource, pc patch.Context) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	uid := res.UID()
	if res.Kind == RealMaster && res.Master != nil {
		cal.Children = append(cal.Children, encodeEvent(res.Master, uid))
	}
	for _, exc := range res.Exceptions {
		cal.Children = append(cal.Children, encodeEvent(exc, uid))
	}
	m.pipeline.Outgoing(cal, pc)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Move re-targets the master to another folder. Exceptions follow their
// master inside the store; evicting the resource from the source listing is
// up to the cache owner.
func (m *Mapper) Move(ctx context.Context, res *Resource, target *storage.Folder) error {
	if res.Kind == PhantomMaster || res.Master == nil {
		return storage.Validation(storage.PreconditionValidResource, "series %s is not visible and cannot be moved", res.SeriesID())
	}
	if res.Master.FolderID == target.ID {
		return nil
	}
	err := m.store.MoveObject(ctx, res.Master.ID, target.ID, res.Master.LastModified)
	if err != nil {
		return storage.WrapStorage(res.Name(), err)
	}
	m.logger.Info("resource moved",
		zap.String("name", res.Name()),
		zap.String("from", res.Master.FolderID),
		zap.String("to", target.ID))
	return nil
}

// Delete removes a resource. For a phantom only the visible exceptions go.
func (m *Mapper) Delete(ctx context.Context, res *Resource) error {
	if res.Kind == RealMaster && res.Master != nil {
		return storage.WrapStorage(res.Name(), m.store.DeleteObject(ctx, res.Master.ID, res.Master.LastModified))
	}
	for _, exc := range res.Exceptions {
		if err := m.store.DeleteObject(ctx, exc.ID, exc.LastModified); err != nil {
			return storage.WrapStorage(res.Name(), err)
		}
	}
	return nil
}

// Update is a pending replacement guarded by the last known modification.
type Update struct {
	Object    *storage.CalendarObject
	LastKnown time.Time
}

// Removal is a pending deletion of a change exception.
type Removal struct {
	ID        string
	LastKnown time.Time
}

// ChangeSet is what an upload does to the store.
type ChangeSet struct {
	FolderID string
	Name     string
	// CreateMaster is set for new resources. Created exceptions without a
	// SeriesID are attached to it.
	CreateMaster *storage.CalendarObject
	UpdateMaster *Update
	// NewDeleteExceptions are positions to add to the series.
	NewDeleteExceptions []time.Time
	CreateExceptions    []*storage.CalendarObject
	UpdateExceptions    []Update
	RemoveExceptions    []Removal
}

// Empty reports a no-op upload.
func (cs *ChangeSet) Empty() bool {
	return cs.CreateMaster == nil && cs.UpdateMaster == nil && len(cs.NewDeleteExceptions) == 0 &&
		len(cs.CreateExceptions) == 0 && len(cs.UpdateExceptions) == 0 && len(cs.RemoveExceptions) == 0
}

// ApplyUpload patches, decodes and merges an uploaded document against the
// existing resource (nil for a new one) in folder.
func (m *Mapper) ApplyUpload(ctx context.Context, existing *Resource, folder *storage.Folder, document []byte, pc patch.Context) (*ChangeSet, error) {
	cal, err := Parse(document)
	if err != nil {
		return nil, err
	}
	m.pipeline.Incoming(cal, pc)
	up, err := Decode(cal)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UID() != "" && existing.UID() != up.UID {
		return nil, storage.Validation(storage.PreconditionNoUIDConflict, "resource %s holds UID %q, upload carries %q", existing.Name(), existing.UID(), up.UID)
	}

	cs := &ChangeSet{FolderID: folder.ID}
	if existing == nil {
		err = m.planCreate(ctx, cs, folder, up)
	} else {
		err = m.planUpdate(ctx, cs, existing, folder, up)
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (m *Mapper) planCreate(ctx context.Context, cs *ChangeSet, folder *storage.Folder, up *Upload) error {
	if up.Master == nil {
		return storage.Validation(storage.PreconditionValidResource, "new resource %q has no master component", up.UID)
	}
	master := up.Master
	master.FolderID = folder.ID
	if err := m.protectParticipants(ctx, master, nil); err != nil {
		return err
	}
	cs.CreateMaster = master
	cs.Name = storage.ResourceName(up.UID, "")
	if master.Rule == nil {
		if len(up.Exceptions) > 0 {
			m.logger.Debug("dropping exceptions of non-recurring upload", zap.String("uid", up.UID))
		}
		return nil
	}
	for _, exc := range up.Exceptions {
		exc.FolderID = folder.ID
		if err := m.protectParticipants(ctx, exc, nil); err != nil {
			return err
		}
		cs.CreateExceptions = append(cs.CreateExceptions, exc)
	}
	return nil
}

func (m *Mapper) planUpdate(ctx context.Context, cs *ChangeSet, existing *Resource, folder *storage.Folder, up *Upload) error {
	cs.Name = existing.Name()
	seriesID := existing.SeriesID()
	recurring := existing.Master != nil && existing.Master.Rule != nil

	if existing.Kind == RealMaster && existing.Master != nil && up.Master != nil {
		old := existing.Master
		merged := Merge(old, up.Master, folder)
		if err := m.protectParticipants(ctx, merged, old); err != nil {
			return err
		}
		cs.UpdateMaster = &Update{Object: merged, LastKnown: old.LastModified}
		recurring = merged.Rule != nil
		if recurring {
			// a single event turned series knows no delete exceptions yet
			var known []time.Time
			if old.Rule != nil {
				known = old.DeleteExceptions
			}
			cs.NewDeleteExceptions = newDeleteExceptions(known, up.Master.DeleteExceptions)
		}
	} else if existing.Kind == PhantomMaster && up.Master != nil {
		m.logger.Debug("ignoring master upload for phantom series", zap.String("series", seriesID))
	}

	byPosition := make(map[int64]*storage.CalendarObject, len(existing.Exceptions))
	for _, exc := range existing.Exceptions {
		byPosition[exc.RecurrencePosition.UnixMilli()] = exc
	}
	deleted := make(map[int64]bool, len(cs.NewDeleteExceptions))
	for _, pos := range cs.NewDeleteExceptions {
		deleted[pos.UnixMilli()] = true
	}

	// a real master that stopped recurring takes all its exceptions with it
	keepExceptions := recurring || existing.Kind == PhantomMaster
	kept := make(map[int64]bool, len(up.Exceptions))
	for _, exc := range up.Exceptions {
		key := exc.RecurrencePosition.UnixMilli()
		if deleted[key] || !keepExceptions {
			continue
		}
		if old, ok := byPosition[key]; ok {
			merged := Merge(old, exc, folder)
			if err := m.protectParticipants(ctx, merged, old); err != nil {
				return err
			}
			cs.UpdateExceptions = append(cs.UpdateExceptions, Update{Object: merged, LastKnown: old.LastModified})
			kept[key] = true
			continue
		}
		if existing.Kind == PhantomMaster {
			m.logger.Debug("ignoring new exception for phantom series",
				zap.String("series", seriesID),
				zap.Time("position", exc.RecurrencePosition))
			continue
		}
		exc.FolderID = folder.ID
		exc.SeriesID = seriesID
		if err := m.protectParticipants(ctx, exc, existing.Master); err != nil {
			return err
		}
		cs.CreateExceptions = append(cs.CreateExceptions, exc)
	}

	for _, exc := range existing.Exceptions {
		key := exc.RecurrencePosition.UnixMilli()
		// DeleteOccurrence drops a stored exception along with its slot
		if kept[key] || deleted[key] {
			continue
		}
		cs.RemoveExceptions = append(cs.RemoveExceptions, Removal{ID: exc.ID, LastKnown: exc.LastModified})
	}
	return nil
}

// newDeleteExceptions returns the incoming positions not known before.
func newDeleteExceptions(known, incoming []time.Time) []time.Time {
	seen := make(map[int64]bool, len(known))
	for _, t := range known {
		seen[t.UnixMilli()] = true
	}
	var out []time.Time
	for _, t := range incoming {
		if !seen[t.UnixMilli()] {
			seen[t.UnixMilli()] = true
			out = append(out, t)
		}
	}
	return out
}

// Persist executes a change set against the store and returns the written
// members as a resource. Conflicts from the store are returned unchanged.
func (m *Mapper) Persist(ctx context.Context, cs *ChangeSet) (*Resource, error) {
	var master *storage.CalendarObject
	switch {
	case cs.CreateMaster != nil:
		if err := m.store.CreateObject(ctx, cs.CreateMaster); err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		master = cs.CreateMaster
		cs.Name = storage.ResourceName(master.UID, master.ID)
	case cs.UpdateMaster != nil:
		if err := m.store.UpdateObject(ctx, cs.UpdateMaster.Object, cs.UpdateMaster.LastKnown); err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		master = cs.UpdateMaster.Object
	}

	for _, pos := range cs.NewDeleteExceptions {
		if err := m.store.DeleteOccurrence(ctx, master.ID, pos, master.LastModified); err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		reloaded, err := m.store.GetObject(ctx, master.ID)
		if err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		master = reloaded
	}

	var exceptions []*storage.CalendarObject
	for _, u := range cs.UpdateExceptions {
		if err := m.store.UpdateObject(ctx, u.Object, u.LastKnown); err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		exceptions = append(exceptions, u.Object)
	}
	for _, exc := range cs.CreateExceptions {
		if exc.SeriesID == "" && master != nil {
			exc.SeriesID = master.ID
		}
		if err := m.store.CreateObject(ctx, exc); err != nil {
			return nil, storage.WrapStorage(cs.Name, err)
		}
		exceptions = append(exceptions, exc)
	}
	for _, r := range cs.RemoveExceptions {
		if err := m.store.DeleteObject(ctx, r.ID, r.LastKnown); err != nil && !storage.IsNotFound(err) {
			return nil, storage.WrapStorage(cs.Name, err)
		}
	}

	m.logger.Debug("change set persisted",
		zap.String("name", cs.Name),
		zap.Bool("created", cs.CreateMaster != nil),
		zap.Int("new_delete_exceptions", len(cs.NewDeleteExceptions)),
		zap.Int("exceptions_written", len(exceptions)),
		zap.Int("exceptions_removed", len(cs.RemoveExceptions)))
	return newResource(cs.FolderID, master, exceptions), nil
}
