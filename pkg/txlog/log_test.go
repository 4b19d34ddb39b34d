package txlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log := NewLog(filepath.Join(t.TempDir(), "journal.log"))
	if err := log.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return log
}

func TestLog_RecordAndEntries(t *testing.T) {
	log := newTestLog(t)

	if err := log.Record("installed xrdp", "apt-get remove -y xrdp"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := log.Record("enabled service", "systemctl disable --now xrdp"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("Expected sequence 1,2, got %d,%d", entries[0].Seq, entries[1].Seq)
	}
	if entries[0].Action != "installed xrdp" {
		t.Errorf("Expected first action %q, got %q", "installed xrdp", entries[0].Action)
	}
	if entries[1].Rollback != "systemctl disable --now xrdp" {
		t.Errorf("Unexpected rollback command: %q", entries[1].Rollback)
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("Expected non-zero timestamp")
	}
}

func TestLog_RecordRollbackCommandMayContainSeparator(t *testing.T) {
	log := newTestLog(t)

	undo := "cat /etc/passwd | grep -v rig > /tmp/filtered"
	if err := log.Record("filtered users", undo); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if entries[0].Rollback != undo {
		t.Errorf("Expected rollback %q, got %q", undo, entries[0].Rollback)
	}
}

func TestLog_RecordRejectsInvalidFields(t *testing.T) {
	log := newTestLog(t)

	cases := []struct {
		name     string
		action   string
		rollback string
	}{
		{"empty action", "", "undo"},
		{"empty rollback", "action", ""},
		{"newline in action", "line1\nline2", "undo"},
		{"newline in rollback", "action", "undo\nmore"},
		{"separator in action", "did a | thing", "undo"},
	}

	for _, tc := range cases {
		if err := log.Record(tc.action, tc.rollback); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}

	count, err := log.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected rejected records to leave the journal empty, got %d entries", count)
	}
}

func TestLog_ConcurrentRecords(t *testing.T) {
	log := newTestLog(t)

	const writers = 2
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				action := fmt.Sprintf("writer %d action %d", w, i)
				if err := log.Record(action, "true"); err != nil {
					t.Errorf("Record failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("Expected %d entries, got %d", writers*perWriter, len(entries))
	}
	if err := log.Validate(); err != nil {
		t.Errorf("Expected all lines well-formed, got %v", err)
	}
}

func TestLog_EntriesReverse(t *testing.T) {
	log := newTestLog(t)

	for i := 1; i <= 3; i++ {
		if err := log.Record(fmt.Sprintf("action %d", i), "true"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	reversed, err := log.EntriesReverse()
	if err != nil {
		t.Fatalf("EntriesReverse failed: %v", err)
	}
	if len(reversed) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(reversed))
	}
	for i, want := range []int{3, 2, 1} {
		if reversed[i].Seq != want {
			t.Errorf("Expected seq %d at position %d, got %d", want, i, reversed[i].Seq)
		}
	}
}

func TestLog_CountMissingFile(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), "missing.log"))

	count, err := log.Count()
	if err != nil {
		t.Fatalf("Count on missing file failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 entries for missing journal, got %d", count)
	}
}

func TestLog_ValidateReportsLineNumber(t *testing.T) {
	log := newTestLog(t)

	if err := log.Record("good entry", "true"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString("garbage without separators\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	err = log.Validate()
	if err == nil {
		t.Fatal("Expected validation error for malformed line")
	}
	if !strings.Contains(err.Error(), "2") {
		t.Errorf("Expected error to name line 2, got %q", err.Error())
	}
}

func TestLog_ArchiveAndClear(t *testing.T) {
	log := newTestLog(t)
	if err := log.Record("action", "true"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "journal.archive")
	if err := log.Archive(dst); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	archived, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading archive failed: %v", err)
	}
	if !strings.Contains(string(archived), "action") {
		t.Error("Expected archive to contain the recorded entry")
	}

	count, err := log.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected journal truncated after archive, got %d entries", count)
	}

	// Archive never overwrites an existing destination.
	if err := log.Archive(dst); err == nil {
		t.Error("Expected error archiving onto an existing file")
	}
}
