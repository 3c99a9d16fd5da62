package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteStore implements Store using SQLite.
//
// Ordering is enforced above the database: each device has a clock
// guarding ID and timestamp assignment, so concurrent appends for the
// same device serialise while appends for different devices proceed in
// parallel. The append hook fires inside the device lock, which is what
// keeps dispatch order identical to append order per device.
type SQLiteStore struct {
	db   *sql.DB
	hook AppendHook

	mu     sync.Mutex
	clocks map[string]*deviceClock
}

// deviceClock tracks the last assigned ID and timestamp for one device.
type deviceClock struct {
	mu     sync.Mutex
	loaded bool
	lastID map[Kind]int64
	lastNS int64
}

// NewSQLiteStore creates a new SQLite-backed entity store.
// The db parameter should be an open SQLite connection with the
// entities schema applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		clocks: make(map[string]*deviceClock),
	}
}

// SetHook registers the append hook.
func (s *SQLiteStore) SetHook(hook AppendHook) {
	s.hook = hook
}

// clockFor returns the ordering clock for a device, creating it if needed.
func (s *SQLiteStore) clockFor(deviceID string) *deviceClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[deviceID]
	if !ok {
		c = &deviceClock{lastID: make(map[Kind]int64)}
		s.clocks[deviceID] = c
	}
	return c
}

// load initialises the clock from persisted rows. Called under the
// clock's own lock.
func (c *deviceClock) load(ctx context.Context, db *sql.DB, deviceID string) error {
	if c.loaded {
		return nil
	}
	for _, kind := range []Kind{KindCommand, KindNotification} {
		var maxID sql.NullInt64
		err := db.QueryRowContext(ctx,
			"SELECT MAX(entity_id) FROM entities WHERE device_id = ? AND kind = ?",
			deviceID, string(kind),
		).Scan(&maxID)
		if err != nil {
			return fmt.Errorf("loading last entity id: %w", err)
		}
		if maxID.Valid {
			c.lastID[kind] = maxID.Int64
		}
	}

	var maxNS sql.NullInt64
	err := db.QueryRowContext(ctx,
		"SELECT MAX(timestamp_ns) FROM entities WHERE device_id = ?",
		deviceID,
	).Scan(&maxNS)
	if err != nil {
		return fmt.Errorf("loading last timestamp: %w", err)
	}
	if maxNS.Valid {
		c.lastNS = maxNS.Int64
	}

	c.loaded = true
	return nil
}

// Append assigns identity and ordering, persists the entity, and
// invokes the dispatch hook before returning to the producer.
func (s *SQLiteStore) Append(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	clock := s.clockFor(e.DeviceID)
	clock.mu.Lock()
	defer clock.mu.Unlock()

	if err := clock.load(ctx, s.db, e.DeviceID); err != nil {
		return err
	}

	if e.IsUpdate {
		if err := s.checkUpdatable(ctx, e.DeviceID, e.ID); err != nil {
			return err
		}
	} else {
		clock.lastID[e.Kind]++
		e.ID = clock.lastID[e.Kind]
	}

	// Wall clock, bumped when it would not advance past the last
	// assigned timestamp. Strictly increasing per device.
	ns := time.Now().UTC().UnixNano()
	if ns <= clock.lastNS {
		ns = clock.lastNS + 1
	}
	clock.lastNS = ns
	e.Timestamp = time.Unix(0, ns).UTC()

	if err := s.insert(ctx, e, ns); err != nil {
		return err
	}

	if s.hook != nil {
		s.hook(e)
	}
	return nil
}

// checkUpdatable verifies the original command exists and has not been
// updated yet.
func (s *SQLiteStore) checkUpdatable(ctx context.Context, deviceID string, id int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE device_id = ? AND kind = ? AND entity_id = ? AND is_update = 0",
		deviceID, string(KindCommand), id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking command existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var updated int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE device_id = ? AND kind = ? AND entity_id = ? AND is_update = 1",
		deviceID, string(KindCommand), id,
	).Scan(&updated)
	if err != nil {
		return fmt.Errorf("checking command update: %w", err)
	}
	if updated > 0 {
		return ErrAlreadyUpdated
	}
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, e *Entity, ns int64) error {
	var networkID sql.NullInt64
	if e.NetworkID != nil {
		networkID = sql.NullInt64{Int64: *e.NetworkID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities
			(entity_id, device_id, network_id, kind, name, timestamp_ns,
			 parameters, status, result, is_update, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, networkID, string(e.Kind), e.Name, ns,
		nullableJSON(e.Parameters), nullableString(e.Status),
		nullableJSON(e.Result), boolToInt(e.IsUpdate), nullableString(e.Origin),
	)
	if err != nil {
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

// QueryAfter returns entities of the given kind after the timestamp,
// matching the filter, in (timestamp, id) order.
func (s *SQLiteStore) QueryAfter(ctx context.Context, kind Kind, f Filter, since time.Time, limit int) ([]Entity, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT entity_id, device_id, network_id, kind, name, timestamp_ns,
			parameters, status, result, is_update, origin
		FROM entities
		WHERE kind = ? AND timestamp_ns > ?`)
	args := []any{string(kind), since.UnixNano()}

	if len(f.DeviceIDs) > 0 {
		query.WriteString(" AND device_id IN (" + placeholders(len(f.DeviceIDs)) + ")")
		for _, id := range f.DeviceIDs {
			args = append(args, id)
		}
	}
	if len(f.Names) > 0 {
		query.WriteString(" AND name IN (" + placeholders(len(f.Names)) + ")")
		for _, n := range f.Names {
			args = append(args, n)
		}
	}

	query.WriteString(" ORDER BY timestamp_ns, seq")
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// Get returns the original entity for a device/ID pair.
func (s *SQLiteStore) Get(ctx context.Context, kind Kind, deviceID string, id int64) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, device_id, network_id, kind, name, timestamp_ns,
			parameters, status, result, is_update, origin
		FROM entities
		WHERE device_id = ? AND kind = ? AND entity_id = ? AND is_update = 0`,
		deviceID, string(kind), id,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// GetUpdate returns the update entity linked to a command.
func (s *SQLiteStore) GetUpdate(ctx context.Context, deviceID string, id int64) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, device_id, network_id, kind, name, timestamp_ns,
			parameters, status, result, is_update, origin
		FROM entities
		WHERE device_id = ? AND kind = ? AND entity_id = ? AND is_update = 1`,
		deviceID, string(KindCommand), id,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e          Entity
		networkID  sql.NullInt64
		kind       string
		ns         int64
		parameters sql.NullString
		status     sql.NullString
		result     sql.NullString
		isUpdate   int
		origin     sql.NullString
	)
	err := row.Scan(&e.ID, &e.DeviceID, &networkID, &kind, &e.Name, &ns,
		&parameters, &status, &result, &isUpdate, &origin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entity row: %w", err)
	}

	if networkID.Valid {
		e.NetworkID = &networkID.Int64
	}
	e.Kind = Kind(kind)
	e.Timestamp = time.Unix(0, ns).UTC()
	if parameters.Valid {
		e.Parameters = []byte(parameters.String)
	}
	e.Status = status.String
	if result.Valid {
		e.Result = []byte(result.String)
	}
	e.IsUpdate = isUpdate != 0
	e.Origin = origin.String
	return &e, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
