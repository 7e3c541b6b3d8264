package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/open-xchange/appsuite-middleware-sub085/server/recurrence"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

// uidConstraint is the partial unique index over (folder_id, uid) of
// non-exception rows.
const uidConstraint = "objects_folder_uid_key"

const objectColumns = `id, folder_id, created, last_modified, payload`

// Store implements storage.Store and storage.Directory on PostgreSQL. Objects
// are kept as a JSONB payload next to the columns queries filter on.
type Store struct {
	db     *DB
	engine *recurrence.Engine

	mu    sync.Mutex
	clock func() time.Time
	last  time.Time
}

// New creates a store on top of db.
func New(db *DB) *Store {
	return &Store{db: db, engine: recurrence.NewEngine(), clock: time.Now}
}

// SetClock replaces the time source used for modification stamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.clock().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(tx)
}

// nullable maps the zero time to SQL NULL.
func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// Folder and identity setup

// PutFolder creates or replaces folder metadata.
func (s *Store) PutFolder(ctx context.Context, f storage.Folder) error {
	const q = `INSERT INTO folders (id, name, owner_id, owner_address, type) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, owner_id=EXCLUDED.owner_id, owner_address=EXCLUDED.owner_address, type=EXCLUDED.type`
	_, err := s.db.Pool.Exec(ctx, q, f.ID, f.Name, f.OwnerID, f.OwnerAddress, int(f.Type))
	return err
}

// PutIdentity creates or replaces an internal identity. Addresses are stored
// normalized.
func (s *Store) PutIdentity(ctx context.Context, id storage.Identity) error {
	const q = `INSERT INTO identities (entity_id, email, aliases) VALUES ($1,$2,$3)
ON CONFLICT (entity_id) DO UPDATE SET email=EXCLUDED.email, aliases=EXCLUDED.aliases`
	aliases := make([]string, 0, len(id.Aliases))
	for _, a := range id.Aliases {
		aliases = append(aliases, storage.NormalizeAddress(a))
	}
	_, err := s.db.Pool.Exec(ctx, q, id.EntityID, storage.NormalizeAddress(id.Email), aliases)
	return err
}

func (s *Store) GetFolder(ctx context.Context, folderID string) (*storage.Folder, error) {
	const q = `SELECT id, name, owner_id, owner_address, type FROM folders WHERE id=$1`
	var f storage.Folder
	var typ int
	err := s.db.Pool.QueryRow(ctx, q, folderID).Scan(&f.ID, &f.Name, &f.OwnerID, &f.OwnerAddress, &typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", folderID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	f.Type = storage.FolderType(typ)
	return &f, nil
}

func (s *Store) LookupAddress(ctx context.Context, address string) (*storage.Identity, error) {
	const q = `SELECT entity_id, email, aliases FROM identities WHERE email=$1 OR $1 = ANY(aliases) ORDER BY entity_id LIMIT 1`
	var id storage.Identity
	err := s.db.Pool.QueryRow(ctx, q, storage.NormalizeAddress(address)).Scan(&id.EntityID, &id.Email, &id.Aliases)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("address %s: %w", address, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Calendar object operations

func scanObject(row pgx.Row) (*storage.CalendarObject, error) {
	var (
		obj     storage.CalendarObject
		id      string
		folder  string
		created time.Time
		lastMod time.Time
		payload []byte
	)
	if err := row.Scan(&id, &folder, &created, &lastMod, &payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", id, err)
	}
	obj.ID, obj.FolderID = id, folder
	obj.Created, obj.LastModified = created.UTC(), lastMod.UTC()
	return &obj, nil
}

func collectObjects(rows pgx.Rows) ([]*storage.CalendarObject, error) {
	defer rows.Close()
	var out []*storage.CalendarObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (s *Store) touches(obj *storage.CalendarObject, window storage.TimeRange) bool {
	ok, err := s.engine.Touches(obj, window)
	if err != nil {
		return window.Intersects(obj.Start, obj.End)
	}
	return ok
}

func (s *Store) ListObjects(ctx context.Context, folderID string, window storage.TimeRange, proj storage.Projection) ([]*storage.CalendarObject, error) {
	if _, err := s.GetFolder(ctx, folderID); err != nil {
		return nil, err
	}
	// range_end is NULL for unbounded series; exceptions are always fetched so
	// that those of a visible master come along
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE folder_id=$1
AND ((series_id <> '' AND series_id <> id)
  OR (($2::timestamptz IS NULL OR range_end IS NULL OR range_end > $2) AND ($3::timestamptz IS NULL OR start_at < $3)))
ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, folderID, nullable(window.Start), nullable(window.End))
	if err != nil {
		return nil, err
	}
	all, err := collectObjects(rows)
	if err != nil {
		return nil, err
	}

	masters := make(map[string]bool)
	var out []*storage.CalendarObject
	for _, obj := range all {
		if obj.IsException() || !s.touches(obj, window) {
			continue
		}
		if obj.SeriesID != "" {
			masters[obj.SeriesID] = true
		}
		out = append(out, obj)
	}
	for _, obj := range all {
		if obj.IsException() && (masters[obj.SeriesID] || window.Intersects(obj.Start, obj.End)) {
			out = append(out, obj)
		}
	}
	if proj == storage.ProjectionBasic {
		for i, obj := range out {
			out[i] = storage.Strip(obj)
		}
	}
	return out, nil
}

func (s *Store) GetObject(ctx context.Context, id string) (*storage.CalendarObject, error) {
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE id=$1`
	obj, err := scanObject(s.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("object %s: %w", id, storage.ErrNotFound)
	}
	return obj, err
}

func (s *Store) GetObjects(ctx context.Context, ids []string) ([]*storage.CalendarObject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE id = ANY($1) ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	return collectObjects(rows)
}

// columns returns the filter columns and payload of obj.
func columns(obj *storage.CalendarObject) (position, start, rangeEnd *time.Time, payload []byte, err error) {
	payload, err = json.Marshal(obj)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding object %s: %w", obj.ID, err)
	}
	return nullable(obj.RecurrencePosition), nullable(obj.Start), nullable(obj.RangeEnd()), payload, nil
}

func (s *Store) CreateObject(ctx context.Context, obj *storage.CalendarObject) error {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	if obj.Rule != nil && obj.SeriesID == "" {
		obj.SeriesID = obj.ID
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if obj.IsException() {
			err := tx.QueryRow(ctx, `SELECT uid FROM objects WHERE id=$1`, obj.SeriesID).Scan(&obj.UID)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("series %s: %w", obj.SeriesID, storage.ErrNotFound)
			}
			if err != nil {
				return err
			}
		}

		now := s.now()
		obj.Created, obj.LastModified = now, now
		position, start, rangeEnd, payload, err := columns(obj)
		if err != nil {
			return err
		}
		const ins = `INSERT INTO objects (id, folder_id, uid, series_id, recurrence_position, start_at, range_end, created, last_modified, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
		_, err = tx.Exec(ctx, ins, obj.ID, obj.FolderID, obj.UID, obj.SeriesID, position, start, rangeEnd, now, now, payload)
		return s.insertError(obj, err)
	})
}

func (s *Store) insertError(obj *storage.CalendarObject, err error) error {
	var pg *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err) && errors.As(err, &pg) && pg.ConstraintName == uidConstraint:
		return storage.Validation(storage.PreconditionNoUIDConflict, "uid %s already used in folder %s", obj.UID, obj.FolderID)
	case isUniqueViolation(err):
		return fmt.Errorf("object %s already exists: %w", obj.ID, storage.ErrConflict)
	case errors.As(err, &pg) && pg.Code == "23503":
		return fmt.Errorf("folder %s: %w", obj.FolderID, storage.ErrNotFound)
	default:
		return err
	}
}

// lock fetches the row of id for update and checks lastKnown.
func (s *Store) lock(ctx context.Context, tx pgx.Tx, id string, lastKnown time.Time) (*storage.CalendarObject, error) {
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE id=$1 FOR UPDATE`
	obj, err := scanObject(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("object %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !lastKnown.IsZero() && !obj.LastModified.Equal(lastKnown.UTC().Truncate(time.Millisecond)) {
		return nil, fmt.Errorf("object %s modified at %s, expected %s: %w",
			id, obj.LastModified.Format(time.RFC3339Nano), lastKnown.Format(time.RFC3339Nano), storage.ErrConflict)
	}
	return obj, nil
}

func (s *Store) write(ctx context.Context, tx pgx.Tx, obj *storage.CalendarObject) error {
	position, start, rangeEnd, payload, err := columns(obj)
	if err != nil {
		return err
	}
	const upd = `UPDATE objects SET uid=$2, series_id=$3, recurrence_position=$4, start_at=$5, range_end=$6, last_modified=$7, payload=$8 WHERE id=$1`
	_, err = tx.Exec(ctx, upd, obj.ID, obj.UID, obj.SeriesID, position, start, rangeEnd, obj.LastModified, payload)
	return err
}

func (s *Store) UpdateObject(ctx context.Context, obj *storage.CalendarObject, lastKnown time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.lock(ctx, tx, obj.ID, lastKnown)
		if err != nil {
			return err
		}
		obj.FolderID = existing.FolderID
		obj.Created = existing.Created
		if obj.SeriesID == "" && obj.Rule != nil {
			obj.SeriesID = obj.ID
		}
		obj.LastModified = s.now()
		return s.write(ctx, tx, obj)
	})
}

// tombstoneSQL records tombstones for the rows matched by the trailing
// condition; $1 is the deletion stamp.
const tombstoneSQL = `INSERT INTO tombstones (object_id, folder_id, uid, series_id, start_at, end_at, deleted_at)
SELECT id, folder_id, uid, series_id, start_at, range_end, $1 FROM objects WHERE `

func (s *Store) DeleteObject(ctx context.Context, id string, lastKnown time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.lock(ctx, tx, id, lastKnown); err != nil {
			return err
		}
		// a master takes its exceptions along
		if _, err := tx.Exec(ctx, tombstoneSQL+`id=$2 OR series_id=$2`, s.now(), id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM objects WHERE id=$1 OR series_id=$1`, id)
		return err
	})
}

func (s *Store) DeleteOccurrence(ctx context.Context, seriesID string, position time.Time, lastKnown time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		master, err := s.lock(ctx, tx, seriesID, lastKnown)
		if err != nil {
			return err
		}
		if master.Kind() != storage.RecurrenceMaster {
			return fmt.Errorf("series %s: %w", seriesID, storage.ErrNotFound)
		}
		now := s.now()
		if _, err := tx.Exec(ctx, tombstoneSQL+`series_id=$2 AND id<>$2 AND recurrence_position=$3`,
			now, seriesID, position.UTC()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM objects WHERE series_id=$1 AND id<>$1 AND recurrence_position=$2`,
			seriesID, position.UTC()); err != nil {
			return err
		}
		if !slices.ContainsFunc(master.DeleteExceptions, position.Equal) {
			master.DeleteExceptions = append(master.DeleteExceptions, position.UTC())
			slices.SortFunc(master.DeleteExceptions, func(a, b time.Time) int { return a.Compare(b) })
		}
		master.LastModified = now
		return s.write(ctx, tx, master)
	})
}

func (s *Store) MoveObject(ctx context.Context, id, targetFolderID string, lastKnown time.Time) error {
	if _, err := s.GetFolder(ctx, targetFolderID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		obj, err := s.lock(ctx, tx, id, lastKnown)
		if err != nil {
			return err
		}
		if obj.IsException() {
			return storage.Validation(storage.PreconditionValidResource, "change exception %s cannot be moved on its own", id)
		}
		if obj.FolderID == targetFolderID {
			return nil
		}
		now := s.now()
		if _, err := tx.Exec(ctx, tombstoneSQL+`id=$2 OR series_id=$2`, now, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE objects SET folder_id=$2, last_modified=$3 WHERE id=$1 OR series_id=$1`, id, targetFolderID, now)
		return err
	})
}

// Sync support

func (s *Store) ListModifiedSince(ctx context.Context, folderID string, since time.Time, window storage.TimeRange) ([]*storage.CalendarObject, error) {
	const q = `SELECT ` + objectColumns + ` FROM objects WHERE folder_id=$1 AND last_modified > $2 ORDER BY id`
	rows, err := s.db.Pool.Query(ctx, q, folderID, since.UTC())
	if err != nil {
		return nil, err
	}
	all, err := collectObjects(rows)
	if err != nil {
		return nil, err
	}
	var out []*storage.CalendarObject
	for _, obj := range all {
		if obj.IsException() {
			if !window.Intersects(obj.Start, obj.End) {
				continue
			}
		} else if !s.touches(obj, window) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

func (s *Store) ListDeletedSince(ctx context.Context, folderID string, since time.Time, window storage.TimeRange) ([]storage.Tombstone, error) {
	const q = `SELECT object_id, folder_id, uid, series_id, start_at, end_at, deleted_at FROM tombstones
WHERE folder_id=$1 AND deleted_at > $2 ORDER BY deleted_at, object_id`
	rows, err := s.db.Pool.Query(ctx, q, folderID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Tombstone
	for rows.Next() {
		var ts storage.Tombstone
		var start, end *time.Time
		if err := rows.Scan(&ts.ID, &ts.FolderID, &ts.UID, &ts.SeriesID, &start, &end, &ts.DeletedAt); err != nil {
			return nil, err
		}
		ts.Start, ts.End, ts.DeletedAt = deref(start), deref(end), ts.DeletedAt.UTC()
		if window.Intersects(ts.Start, ts.End) {
			out = append(out, ts)
		}
	}
	return out, rows.Err()
}

func (s *Store) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM tombstones WHERE deleted_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.Directory = (*Store)(nil)
)
