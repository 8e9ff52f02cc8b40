// Package restore persists each proxy's opaque attribute bag so the virtual
// target, sensor selection, and exported baselines survive restarts.
package restore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is a sqlite-backed key-value store of per-proxy restore bags. The
// bag content is opaque JSON; the proxy engine decides what goes in it.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the restore database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open restore database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS proxy_state (
		name TEXT PRIMARY KEY,
		attrs TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create proxy_state table: %w", err)
	}

	logger.Info("Restore store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes a proxy's restore bag, replacing any previous one.
func (s *Store) Save(name string, bag map[string]interface{}) error {
	data, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("failed to marshal restore bag for %s: %w", name, err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO proxy_state (name, attrs, updated_at) VALUES (?, ?, ?)`,
		name, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save restore bag for %s: %w", name, err)
	}
	return nil
}

// Load returns a proxy's restore bag, or nil when none has been saved.
func (s *Store) Load(name string) (map[string]interface{}, error) {
	var data string
	err := s.db.QueryRow(`SELECT attrs FROM proxy_state WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restore bag for %s: %w", name, err)
	}

	var bag map[string]interface{}
	if err := json.Unmarshal([]byte(data), &bag); err != nil {
		s.logger.Warn("Discarding unparsable restore bag",
			zap.String("proxy", name), zap.Error(err))
		return nil, nil
	}
	return bag, nil
}

// Delete removes a proxy's restore bag.
func (s *Store) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM proxy_state WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete restore bag for %s: %w", name, err)
	}
	return nil
}
