// Package artifact hands downloaded simulation reports to the host
// environment.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ContentType of every simulation report.
const ContentType = "application/pdf"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// FileName is the name a report for jobType is saved under. Filenames
// proposed by the backend are never used.
func FileName(jobType string) string {
	return fmt.Sprintf("simulation-result-%s.pdf", unsafeChars.ReplaceAllString(jobType, "_"))
}

// Saver stores a report and returns where it went.
type Saver interface {
	Save(jobType string, data []byte) (string, error)
}

// DirSaver writes reports into a directory.
type DirSaver struct {
	Dir string
}

// Save writes data to Dir/FileName(jobType), replacing an older report. The
// data goes to a temporary file first, so a failed save never leaves a
// partial report behind.
func (s DirSaver) Save(jobType string, data []byte) (path string, err error) {
	if len(data) == 0 {
		return "", errors.New("refusing to save an empty report")
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".simulation-result-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}

	path = filepath.Join(dir, FileName(jobType))
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("move report into place: %w", err)
	}
	return path, nil
}

var _ Saver = DirSaver{}
