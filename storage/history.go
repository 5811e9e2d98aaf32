package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"touchmouse/models"
)

// RecordConnection stores device as the newest history entry. An existing row
// for the same id is replaced and moves to the front; the oldest rows beyond
// the limit are evicted.
func (s *Store) RecordConnection(device models.DeviceInfo) error {
	if err := validateHistoryEntry(device); err != nil {
		return err
	}
	name := strings.TrimSpace(device.Name)
	if name == "" {
		name = device.ID
	}
	now := s.now().UnixMilli()
	lastSeen := device.LastSeen
	if lastSeen == 0 {
		lastSeen = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Delete and re-insert so the row takes the newest rowid.
	if _, err := tx.Exec(`DELETE FROM history WHERE device_id = ?`, device.ID); err != nil {
		return fmt.Errorf("replace history %q: %w", device.ID, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO history (
			device_id,
			device_name,
			last_seen_timestamp,
			connected_timestamp
		) VALUES (?, ?, ?, ?)`,
		device.ID,
		name,
		lastSeen,
		now,
	); err != nil {
		return fmt.Errorf("insert history %q: %w", device.ID, err)
	}
	if _, err := tx.Exec(
		`DELETE FROM history
		WHERE rowid NOT IN (
			SELECT rowid FROM history ORDER BY connected_timestamp DESC, rowid DESC LIMIT ?
		)`,
		s.historyLimit,
	); err != nil {
		return fmt.Errorf("evict history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// GetHistoryEntry fetches one history row.
func (s *Store) GetHistoryEntry(deviceID string) (*HistoryEntry, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, last_seen_timestamp, connected_timestamp
		FROM history
		WHERE device_id = ?`,
		deviceID,
	)

	var entry HistoryEntry
	if err := row.Scan(&entry.DeviceID, &entry.DeviceName, &entry.LastSeenTimestamp, &entry.ConnectedTimestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get history %q: %w", deviceID, err)
	}
	return &entry, nil
}

// ListHistoryEntries returns history rows, newest connection first.
func (s *Store) ListHistoryEntries() ([]HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, last_seen_timestamp, connected_timestamp
		FROM history
		ORDER BY connected_timestamp DESC, rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, s.historyLimit)
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(&entry.DeviceID, &entry.DeviceName, &entry.LastSeenTimestamp, &entry.ConnectedTimestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// ListHistory returns history as registry-ready device records.
func (s *Store) ListHistory() ([]models.DeviceInfo, error) {
	entries, err := s.ListHistoryEntries()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeviceInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.DeviceInfo())
	}
	return out, nil
}

// RemoveHistory deletes one device from history.
func (s *Store) RemoveHistory(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM history WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove history %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove history rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
