// Package txlog implements the append-only transaction journal and the
// rollback executor that replays it in reverse. Every undoable side effect a
// module performs is recorded here first, so a failed run can be compensated
// by walking the journal newest-first.
package txlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrInvalidArgument is returned by Record for an empty or malformed field.
var ErrInvalidArgument = errors.New("txlog: invalid argument")

const (
	fieldSeparator = "|"
	filePerm       = 0o600
	dirPerm        = 0o700
)

// Entry is one recorded transaction: a forward action description and the
// shell command that compensates for it.
type Entry struct {
	// Seq is the 1-based position of the entry in the journal.
	Seq int

	// Timestamp is when the forward action was recorded.
	Timestamp time.Time

	// Action describes the forward action.
	Action string

	// Rollback is the command that undoes the action.
	Rollback string
}

// Log is the shared append-only journal. Concurrent Record calls from
// same-batch modules serialize through the mutex so lines never interleave.
type Log struct {
	mu   sync.Mutex
	path string
}

// NewLog creates a journal handle for the given file path.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Init ensures the journal file exists with restrictive permissions.
func (l *Log) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), dirPerm); err != nil {
		return fmt.Errorf("txlog: create journal directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("txlog: open journal %s: %w", l.path, err)
	}
	return f.Close()
}

// Record appends one (action, rollback command) pair. The append is a single
// write under the log mutex, so concurrent callers cannot corrupt a line.
// Both fields must be non-empty; neither may contain a newline, and the
// action may not contain the field separator (the rollback command is the
// final field and may).
func (l *Log) Record(action, rollbackCommand string) error {
	if err := validateField("action", action); err != nil {
		return err
	}
	if err := validateField("rollback command", rollbackCommand); err != nil {
		return err
	}
	if strings.Contains(action, fieldSeparator) {
		return fmt.Errorf("%w: action contains %q", ErrInvalidArgument, fieldSeparator)
	}

	line := strings.Join([]string{
		time.Now().UTC().Format(time.RFC3339Nano),
		action,
		rollbackCommand,
	}, fieldSeparator) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("txlog: open journal for append: %w", err)
	}
	_, werr := f.WriteString(line)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("txlog: append entry: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("txlog: close journal: %w", cerr)
	}
	return nil
}

func validateField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidArgument, name)
	}
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("%w: %s contains a line break", ErrInvalidArgument, name)
	}
	return nil
}

// Entries returns all journal entries in recorded (chronological) order.
// The journal is re-read on every call; nothing is cached across calls.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readEntries()
}

// EntriesReverse returns all journal entries newest-first, the order in
// which rollback must consume them.
func (l *Log) EntriesReverse() ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of entries currently in the journal.
func (l *Log) Count() (int, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Validate scans the journal and reports the first malformed line, if any.
func (l *Log) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("txlog: open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if _, err := parseLine(scanner.Text(), lineNo); err != nil {
			return fmt.Errorf("txlog: line %d malformed: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("txlog: scan journal: %w", err)
	}
	return nil
}

// Archive moves the journal contents to destination and truncates the
// journal. Rotation is always operator-driven; a successful run never
// archives implicitly.
func (l *Log) Archive(destination string) error {
	if destination == "" {
		return fmt.Errorf("%w: empty archive destination", ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("txlog: open journal for archive: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destination), dirPerm); err != nil {
		return fmt.Errorf("txlog: create archive directory: %w", err)
	}
	dst, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("txlog: create archive %s: %w", destination, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("txlog: copy journal to archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("txlog: close archive: %w", err)
	}
	return os.Truncate(l.path, 0)
}

// Clear truncates the journal without archiving.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Truncate(l.path, 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("txlog: clear journal: %w", err)
	}
	return nil
}

// readEntries reads the journal under the caller-held lock.
func (l *Log) readEntries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("txlog: open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		entry, err := parseLine(scanner.Text(), lineNo)
		if err != nil {
			return nil, fmt.Errorf("txlog: line %d malformed: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("txlog: scan journal: %w", err)
	}
	return entries, nil
}

func parseLine(line string, seq int) (Entry, error) {
	parts := strings.SplitN(line, fieldSeparator, 3)
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("expected 3 fields, found %d", len(parts))
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("bad timestamp %q: %w", parts[0], err)
	}
	if parts[1] == "" {
		return Entry{}, fmt.Errorf("empty action")
	}
	if parts[2] == "" {
		return Entry{}, fmt.Errorf("empty rollback command")
	}
	return Entry{Seq: seq, Timestamp: ts, Action: parts[1], Rollback: parts[2]}, nil
}
