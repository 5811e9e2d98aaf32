package storage

import (
	"errors"
	"strings"

	"touchmouse/models"
)

// DefaultHistoryLimit caps the number of remembered devices.
const DefaultHistoryLimit = 5

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// HistoryEntry is the SQLite representation of a previously connected device.
type HistoryEntry struct {
	DeviceID           string
	DeviceName         string
	LastSeenTimestamp  int64
	ConnectedTimestamp int64
}

// DeviceInfo converts the row into the shape the registry consumes.
func (e HistoryEntry) DeviceInfo() models.DeviceInfo {
	return models.DeviceInfo{
		ID:       e.DeviceID,
		Name:     e.DeviceName,
		LastSeen: e.LastSeenTimestamp,
	}
}

func validateHistoryEntry(device models.DeviceInfo) error {
	if strings.TrimSpace(device.ID) == "" {
		return errors.New("device_id is required")
	}
	return nil
}
