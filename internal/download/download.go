// Package download saves study archives from the archive to a local
// directory.
package download

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"orthanc-helper/internal/study"
)

const tempPattern = ".orthanc-helper-*.part"

// ArchiveSource streams the zip archive of a study.
type ArchiveSource interface {
	DownloadStudyArchive(ctx context.Context, studyID string, w io.Writer) (int64, error)
}

// Saver writes study archives into destination directories.
type Saver struct {
	fs     afero.Fs
	source ArchiveSource
}

// NewSaver creates a Saver writing to fs. A nil fs means the OS filesystem.
func NewSaver(fs afero.Fs, source ArchiveSource) *Saver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Saver{fs: fs, source: source}
}

// Save downloads the archive of the study with ID studyID into destDir under
// study.ArchiveFileName(named). The archive is streamed to a temporary file
// that is renamed once complete; on failure nothing is left in destDir.
// An existing file of the same name is replaced.
func (s *Saver) Save(ctx context.Context, studyID string, named study.Study, destDir string) (string, error) {
	if err := s.fs.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination %s: %w", destDir, err)
	}

	tmp, err := afero.TempFile(s.fs, destDir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file in %s: %w", destDir, err)
	}
	tmpName := tmp.Name()

	_, err = s.source.DownloadStudyArchive(ctx, studyID, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write archive: %w", closeErr)
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("download of study %s: %w", studyID, err)
	}

	path := filepath.Join(destDir, study.ArchiveFileName(named))
	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to move archive to %s: %w", path, err)
	}
	return path, nil
}
