package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// SettingStore provides opaque string key-value settings persistence:
// welcomed-node timestamps, last announcement time and the persisted
// local identity all live here.
type SettingStore interface {
	// Get retrieves a setting value; ok is false if the key is unset.
	Get(key string) (value string, ok bool, err error)
	// Set stores a setting value.
	Set(key, value string) error
	// Delete removes a setting.
	Delete(key string) error
}

type sqliteSettingStore struct {
	db *sqlx.DB
}

// NewSettingStore creates a new setting store.
func NewSettingStore(dbconn *sqlx.DB) SettingStore {
	return &sqliteSettingStore{db: dbconn}
}

func (s *sqliteSettingStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM settings WHERE key = ?;`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *sqliteSettingStore) Set(key, value string) error {
	stmt := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value;`

	_, err := s.db.Exec(stmt, key, value)
	return err
}

func (s *sqliteSettingStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?;`, key)
	return err
}
