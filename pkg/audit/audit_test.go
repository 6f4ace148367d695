package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempLogger(t *testing.T, rotation RotationConfig) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewFileLogger(path, rotation)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

// ---------------------------------------------------------------------
// Log and query round trip
// ---------------------------------------------------------------------

func TestLogAndQuery(t *testing.T) {
	l, _ := tempLogger(t, RotationConfig{})

	events := []*Event{
		NewEvent(EventHandshakeComplete, 0x11).WithInterface("serial").WithKeyID(0xABCDEF),
		NewEvent(EventConnectionCreated, 0x22),
		NewEvent(EventConnectionFailed, 0x22).WithError(errors.New("peer unreachable")),
		NewEvent(EventDeviceKeyChanged, 0x11).WithError(errors.New("key id conflict")),
	}
	for _, e := range events {
		if err := l.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	all, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}

	byDevice, err := l.Query(Filter{InfuseID: 0x22})
	if err != nil {
		t.Fatalf("Query by device: %v", err)
	}
	if len(byDevice) != 2 {
		t.Errorf("device filter: got %d events, want 2", len(byDevice))
	}

	failures, err := l.Query(Filter{FailureOnly: true})
	if err != nil {
		t.Fatalf("Query failures: %v", err)
	}
	if len(failures) != 2 {
		t.Errorf("failure filter: got %d events, want 2", len(failures))
	}

	handshakes, err := l.Query(Filter{Type: EventHandshakeComplete})
	if err != nil {
		t.Fatalf("Query by type: %v", err)
	}
	if len(handshakes) != 1 || handshakes[0].KeyID != 0xABCDEF {
		t.Errorf("type filter: %+v", handshakes)
	}
}

func TestQueryLimitOffset(t *testing.T) {
	l, _ := tempLogger(t, RotationConfig{})
	for i := 0; i < 10; i++ {
		l.Log(NewEvent(EventConnectionCreated, uint64(i)))
	}

	page, err := l.Query(Filter{Limit: 3, Offset: 4})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page) != 3 || page[0].InfuseID != 4 {
		t.Errorf("page = %d events starting at %d", len(page), page[0].InfuseID)
	}
}

func TestQueryTimeWindow(t *testing.T) {
	l, _ := tempLogger(t, RotationConfig{})
	old := NewEvent(EventConnectionCreated, 1)
	old.Timestamp = time.Now().Add(-time.Hour)
	l.Log(old)
	l.Log(NewEvent(EventConnectionCreated, 2))

	recent, err := l.Query(Filter{StartTime: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recent) != 1 || recent[0].InfuseID != 2 {
		t.Errorf("time filter: %+v", recent)
	}
}

// ---------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------

func TestRotation(t *testing.T) {
	l, path := tempLogger(t, RotationConfig{MaxSize: 256, MaxBackups: 2})

	for i := 0; i < 50; i++ {
		if err := l.Log(NewEvent(EventConnectionCreated, uint64(i))); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) == 0 {
		t.Errorf("expected rotated backups next to %s", path)
	}
	if len(matches) > 2 {
		t.Errorf("got %d backups, want at most 2", len(matches))
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("active log missing: %v", err)
	}
}

// ---------------------------------------------------------------------
// Missing file queries cleanly
// ---------------------------------------------------------------------

func TestQueryMissingFile(t *testing.T) {
	l, path := tempLogger(t, RotationConfig{})
	l.Close()
	os.Remove(path)

	events, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events from missing file", len(events))
	}
}
