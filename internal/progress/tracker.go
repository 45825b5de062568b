package progress

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FileStatus is the recorded result of a file upload.
type FileStatus string

const (
	StatusUploaded FileStatus = "uploaded"
	StatusError    FileStatus = "error"
)

// FileEntry is one ledger line.
type FileEntry struct {
	Status      FileStatus `json:"status"`
	Fingerprint string     `json:"fingerprint"`
	Instances   int        `json:"instances,omitempty"`
	Error       string     `json:"error,omitempty"`
	Timestamp   string     `json:"timestamp"`
}

type ledgerFile struct {
	Files   map[string]*FileEntry `json:"files"`
	Updated string                `json:"updated"`
	Summary struct {
		Uploaded int `json:"uploaded"`
		Error    int `json:"error"`
		Total    int `json:"total"`
	} `json:"summary"`
}

// Ledger remembers which files were already uploaded so that an interrupted
// upload can be resumed. A file counts as uploaded only while its size and
// modification time are unchanged.
type Ledger struct {
	mu    sync.Mutex
	fs    afero.Fs
	path  string
	log   *zap.Logger
	files map[string]*FileEntry
}

// OpenLedger loads the ledger at path, or starts an empty one.
func OpenLedger(afs afero.Fs, path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		fs:    afs,
		path:  path,
		log:   log.Named("ledger"),
		files: make(map[string]*FileEntry),
	}

	data, err := afero.ReadFile(afs, path)
	if errors.Is(err, iofs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	var stored ledgerFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if stored.Files != nil {
		l.files = stored.Files
	}

	uploaded, failed := l.countLocked()
	l.log.Info("ledger loaded", zap.String("path", path), zap.Int("uploaded", uploaded), zap.Int("failed", failed))
	return l, nil
}

// Fingerprint derives a change marker from a file's size and modification
// time.
func Fingerprint(info iofs.FileInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%d", info.Size(), info.ModTime().UnixNano())))
	return fmt.Sprintf("%x", sum[:6])
}

// Seen reports whether path was uploaded and has not changed since.
func (l *Ledger) Seen(path string, info iofs.FileInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.files[path]
	return ok && entry.Status == StatusUploaded && entry.Fingerprint == Fingerprint(info)
}

// Record stores the result of uploading path. A nil uploadErr marks the
// file uploaded.
func (l *Ledger) Record(path string, info iofs.FileInfo, instances int, uploadErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &FileEntry{
		Status:      StatusUploaded,
		Fingerprint: Fingerprint(info),
		Instances:   instances,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if uploadErr != nil {
		entry.Status = StatusError
		entry.Error = uploadErr.Error()
	}
	l.files[path] = entry
	return l.saveLocked()
}

// ClearFailed drops failed entries and returns how many there were.
func (l *Ledger) ClearFailed() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for key, entry := range l.files {
		if entry.Status == StatusError {
			delete(l.files, key)
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return count, l.saveLocked()
}

// Stats returns the number of uploaded and failed entries.
func (l *Ledger) Stats() (uploaded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked()
}

func (l *Ledger) countLocked() (uploaded, failed int) {
	for _, entry := range l.files {
		switch entry.Status {
		case StatusUploaded:
			uploaded++
		case StatusError:
			failed++
		}
	}
	return uploaded, failed
}

func (l *Ledger) saveLocked() error {
	stored := ledgerFile{
		Files:   l.files,
		Updated: time.Now().UTC().Format(time.RFC3339),
	}
	stored.Summary.Uploaded, stored.Summary.Error = l.countLocked()
	stored.Summary.Total = len(l.files)

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if err := afero.WriteFile(l.fs, l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save ledger %s: %w", l.path, err)
	}
	return nil
}
