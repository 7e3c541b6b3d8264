// Package davsync computes sync-collection deltas: which resources of a
// folder were created, modified or removed since an opaque watermark.
package davsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// ErrSyncTokenExpired is returned for tokens older than the tombstone
// retention; the client has to start over with a full sync.
var ErrSyncTokenExpired = errors.New("sync token expired")

// Status of a resource in a delta.
type Status int

const (
	StatusCreated Status = iota
	StatusModified
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusModified:
		return "modified"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Change is one entry of a delta.
type Change struct {
	Name         string
	Status       Status
	LastModified time.Time
}

// Result is the status list with the token to present next time.
type Result struct {
	Token   string
	Changes []Change
}

// ParseToken reads a sync token: decimal milliseconds since the epoch, bare or
// as the last segment of a URI. An empty token and "0" are the zero time.
func ParseToken(token string) (time.Time, error) {
	token = strings.TrimSpace(token)
	if i := strings.LastIndexByte(token, '/'); i >= 0 {
		token = token[i+1:]
	}
	if token == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(token, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, storage.Validation(storage.PreconditionValidSyncToken, "malformed sync token %q", token)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// FormatToken renders t as a sync token. The zero time renders as "0".
func FormatToken(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Options configure an Engine.
type Options struct {
	// MaxTokenAge rejects older tokens; zero accepts any token.
	MaxTokenAge time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine computes deltas against a store.
type Engine struct {
	store       storage.Store
	maxTokenAge time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// New creates a sync engine.
func New(store storage.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{store: store, maxTokenAge: opts.MaxTokenAge, clock: opts.Clock, logger: opts.Logger}
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

// Delta reports the resources of folderID within window that changed after
// token. Objects created after the token are "created", others "modified";
// change exceptions report their series. Deletions report "gone" unless the
// resource name is live again. The new token is the newest stamp observed, or
// now once a deletion was seen; an unchanged folder returns the input token.
func (e *Engine) Delta(ctx context.Context, folderID string, window storage.TimeRange, token string) (*Result, error) {
	since, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if e.maxTokenAge > 0 && !since.IsZero() && now.Sub(since) > e.maxTokenAge {
		return nil, ErrSyncTokenExpired
	}

	path := "/folders/" + folderID
	modified, err := e.store.ListModifiedSince(ctx, folderID, since, window)
	if err != nil {
		return nil, storage.WrapStorage(path, err)
	}
	deleted, err := e.store.ListDeletedSince(ctx, folderID, since, window)
	if err != nil {
		return nil, storage.WrapStorage(path, err)
	}

	latest := since
	changes := make(map[string]*Change)
	for _, obj := range modified {
		if obj.LastModified.After(latest) {
			latest = obj.LastModified
		}
		if obj.IsException() {
			name := storage.ResourceName(obj.UID, obj.SeriesID)
			record(changes, name, StatusModified, obj.LastModified)
			continue
		}
		status := StatusModified
		if since.IsZero() || obj.Created.After(since) {
			status = StatusCreated
		}
		// the master decides the status of its resource
		name := storage.ResourceName(obj.UID, obj.ID)
		if c, ok := changes[name]; ok {
			c.Status = status
		}
		record(changes, name, status, obj.LastModified)
	}

	gone := make(map[string]time.Time)
	for _, ts := range deleted {
		if ts.DeletedAt.After(latest) {
			latest = ts.DeletedAt
		}
		if ts.SeriesID != "" && ts.SeriesID != ts.ID {
			continue
		}
		name := storage.ResourceName(ts.UID, ts.ID)
		if _, live := changes[name]; !live && ts.DeletedAt.After(gone[name]) {
			gone[name] = ts.DeletedAt
		}
	}
	for _, ts := range deleted {
		if ts.SeriesID == "" || ts.SeriesID == ts.ID {
			continue
		}
		name := storage.ResourceName(ts.UID, ts.SeriesID)
		if _, series := gone[name]; series {
			continue
		}
		// a dropped exception changes the series document
		record(changes, name, StatusModified, ts.DeletedAt)
	}
	for name, at := range gone {
		changes[name] = &Change{Name: name, Status: StatusGone, LastModified: at}
	}

	if len(deleted) > 0 && now.After(latest) {
		latest = now
	}
	result := &Result{Token: token, Changes: make([]Change, 0, len(changes))}
	if latest.After(since) || token == "" {
		result.Token = FormatToken(latest)
	}
	for _, c := range changes {
		result.Changes = append(result.Changes, *c)
	}
	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].Name < result.Changes[j].Name
	})

	e.logger.Debug("sync delta computed",
		zap.String("folder", folderID),
		zap.String("token", token),
		zap.String("new_token", result.Token),
		zap.Int("modified", len(modified)),
		zap.Int("deleted", len(deleted)),
		zap.Int("changes", len(result.Changes)))
	return result, nil
}

func record(changes map[string]*Change, name string, status Status, at time.Time) {
	c, ok := changes[name]
	if !ok {
		changes[name] = &Change{Name: name, Status: status, LastModified: at}
		return
	}
	if at.After(c.LastModified) {
		c.LastModified = at
	}
}

// Purge drops tombstones no token can refer to anymore.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	if e.maxTokenAge <= 0 {
		return 0, nil
	}
	n, err := e.store.PurgeTombstones(ctx, e.now().Add(-e.maxTokenAge))
	if err != nil {
		return 0, storage.WrapStorage("/tombstones", err)
	}
	if n > 0 {
		e.logger.Info("tombstones purged", zap.Int64("count", n))
	}
	return n, nil
}
