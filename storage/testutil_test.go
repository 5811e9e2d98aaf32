package storage

import (
	"testing"
	"time"

	"touchmouse/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// steppedClock returns a now func that advances one second per call.
func steppedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func testDevice(id, name string) models.DeviceInfo {
	return models.DeviceInfo{ID: id, Name: name}
}
