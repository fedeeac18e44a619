// Package savestore keeps exported-variable snapshots in a SQLite
// database, one row per save slot.
package savestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tickvm/vm"
)

// ErrSlotNotFound indicates the requested save slot doesn't exist
var ErrSlotNotFound = errors.New("save slot not found")

var log = commonlog.GetLogger("tickvm.savestore")

// Entry describes a stored snapshot without decoding it.
type Entry struct {
	Slot      string
	ID        uuid.UUID
	Taken     time.Time
	Variables int
}

// Store handles SQLite storage for snapshots
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the save database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating save directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS saves (
		slot TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		taken INTEGER NOT NULL,
		vars INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save writes snap to slot, replacing what was there.
func (s *Store) Save(slot string, snap *vm.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := vm.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO saves (slot, id, taken, vars, data) VALUES (?, ?, ?, ?, ?)",
		slot, snap.ID.String(), snap.Taken.Unix(), len(snap.Variables), data,
	)
	if err != nil {
		return fmt.Errorf("saving slot %s: %w", slot, err)
	}
	log.Debugf("saved %d variables to slot %s (%s)", len(snap.Variables), slot, snap.ID)
	return nil
}

// Load reads the snapshot stored in slot.
func (s *Store) Load(slot string) (*vm.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT data FROM saves WHERE slot = ?", slot).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, slot)
		}
		return nil, fmt.Errorf("querying slot %s: %w", slot, err)
	}

	snap, err := vm.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("slot %s: %w", slot, err)
	}
	return snap, nil
}

// List returns every slot, most recent first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT slot, id, taken, vars FROM saves ORDER BY taken DESC, slot")
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			id    string
			taken int64
		)
		if err := rows.Scan(&e.Slot, &id, &taken, &e.Variables); err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("slot %s: bad snapshot id %q: %w", e.Slot, id, err)
		}
		e.Taken = time.Unix(taken, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes slot. Deleting a missing slot is an error.
func (s *Store) Delete(slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM saves WHERE slot = ?", slot)
	if err != nil {
		return fmt.Errorf("deleting slot %s: %w", slot, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, slot)
	}
	return nil
}

// SaveVM snapshots the exported variables of m into slot.
func (s *Store) SaveVM(slot string, m *vm.VM) (*vm.Snapshot, error) {
	snap := m.SnapshotVariables()
	if err := s.Save(slot, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreVM replaces the exported variables of m with the contents of
// slot. Events are suspended around the restore so timed procedures keep
// their remaining time.
func (s *Store) RestoreVM(slot string, m *vm.VM) (*vm.Snapshot, error) {
	snap, err := s.Load(slot)
	if err != nil {
		return nil, err
	}
	suspended := m.EventsSuspended()
	m.SuspendEvents(true)
	defer m.SuspendEvents(suspended)
	if err := m.RestoreVariables(snap); err != nil {
		return nil, err
	}
	return snap, nil
}
