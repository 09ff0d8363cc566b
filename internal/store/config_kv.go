package store

import (
	"database/sql"
	"time"
)

// GetConfigValue returns the stored value for a key, or ErrNotFound.
func (s *Store) GetConfigValue(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// SetConfigValue upserts a key/value pair.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, encodeTime(time.Now()))
	return err
}

// DeleteConfigValue removes a key; deleting an absent key is not an error.
func (s *Store) DeleteConfigValue(key string) error {
	_, err := s.db.Exec(`DELETE FROM config WHERE key = ?`, key)
	return err
}

// ListConfigKeys returns all stored keys.
func (s *Store) ListConfigKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
