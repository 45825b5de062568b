package upload

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ErrRootNotFound is returned when the folder to upload does not exist or
// is not a directory.
var ErrRootNotFound = errors.New("upload root not found")

// Kind tells how a candidate is sent to the archive.
type Kind int

const (
	KindDICOM Kind = iota
	KindZip
)

func (k Kind) String() string {
	if k == KindZip {
		return "zip"
	}
	return "dicom"
}

// Candidate is a file selected for upload.
type Candidate struct {
	Path string
	Kind Kind
	Info iofs.FileInfo
}

// DicomExtensions are common DICOM file extensions, compared case-insensitively.
var DicomExtensions = map[string]bool{
	".dcm":   true,
	".dicom": true,
}

// ExcludedNames are file names never uploaded.
var ExcludedNames = map[string]bool{
	"DICOMDIR":    true,
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// ExcludedDirs are directory names skipped entirely.
var ExcludedDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"__MACOSX":     true,
	".Trash":       true,
}

// dicomMagicOffset is where a DICOM Part 10 file carries "DICM".
const dicomMagicOffset = 128

// FindCandidates walks root recursively and returns every file to upload,
// sorted by path. Unreadable entries are skipped.
func FindCandidates(afs afero.Fs, root string) ([]Candidate, error) {
	info, err := afs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRootNotFound, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, root)
	}

	var found []Candidate
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != root && ExcludedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if kind, ok := Classify(afs, path, info); ok {
			found = append(found, Candidate{Path: path, Kind: kind, Info: info})
		}
		return nil
	}

	if err := afero.Walk(afs, root, walkFn); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

// Classify decides whether a file is uploaded and how: by extension for
// .dcm, .dicom and .zip files, by the DICM magic for files without an
// extension.
func Classify(afs afero.Fs, path string, info iofs.FileInfo) (Kind, bool) {
	name := info.Name()
	if ExcludedNames[name] || strings.HasPrefix(name, "._") {
		return 0, false
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case DicomExtensions[ext]:
		return KindDICOM, true
	case ext == ".zip":
		return KindZip, true
	case ext == "":
		return KindDICOM, hasDicomMagic(afs, path)
	default:
		return 0, false
	}
}

// hasDicomMagic checks for "DICM" at byte offset 128.
func hasDicomMagic(afs afero.Fs, path string) bool {
	file, err := afs.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, dicomMagicOffset+4)
	if _, err := io.ReadFull(file, header); err != nil {
		return false
	}
	return string(header[dicomMagicOffset:]) == "DICM"
}
