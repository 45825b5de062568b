// Package progress keeps the run journal: a plain-text log of failed items
// and the resume ledger of the upload walker.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"orthanc-helper/internal/batch"
)

// ErrorLog appends failed outcomes to a text file, one line each:
//
//	2024-03-01T10:15:00Z | <run id> | delete | DOE^JOHN 20240301 [id] | <error>
type ErrorLog struct {
	mu    sync.Mutex
	path  string
	runID string
	file  afero.File
	count int
}

// OpenErrorLog opens path for appending. An empty path gives a log that
// only counts.
func OpenErrorLog(afs afero.Fs, path, runID string) (*ErrorLog, error) {
	l := &ErrorLog{path: path, runID: runID}
	if path == "" {
		return l, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := afs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}
	}
	file, err := afs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open error log: %w", err)
	}
	l.file = file
	return l, nil
}

// Record writes o if it failed and ignores it otherwise.
func (l *ErrorLog) Record(o batch.Outcome) error {
	if o.Status != batch.StatusFailed {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.file == nil {
		return nil
	}
	msg := "failed"
	if o.Err != nil {
		msg = o.Err.Error()
	}
	line := fmt.Sprintf("%s | %s | %s | %s | %s\n",
		time.Now().UTC().Format(time.RFC3339),
		l.runID,
		o.Action,
		o.Subject(),
		msg,
	)
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("could not write error log: %w", err)
	}
	return nil
}

// Count returns the number of failures recorded.
func (l *ErrorLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Summary describes what was logged.
func (l *ErrorLog) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.count == 0:
		return "No errors"
	case l.path == "":
		return fmt.Sprintf("%d errors", l.count)
	default:
		return fmt.Sprintf("%d errors logged to %s", l.count, l.path)
	}
}

// Close closes the log file.
func (l *ErrorLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
