package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Staging collects output files written to temporary siblings of their final
// paths. Nothing appears under a final path until Commit, so a failed run
// never leaves a half-written file that looks like a result.
type Staging struct {
	staged []stagedFile
}

type stagedFile struct {
	tmp   string
	final string
}

// Stage writes one file through write into a temporary file next to path.
func (s *Staging) Stage(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	tmp := f.Name()

	if err := f.Chmod(outputMode(path)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stage %s: %w", path, err)
	}

	s.staged = append(s.staged, stagedFile{tmp: tmp, final: path})
	return nil
}

// DefaultOutputMode is given to outputs that do not replace an existing file.
const DefaultOutputMode os.FileMode = 0o644

// outputMode keeps the permissions of a file being replaced.
func outputMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return info.Mode().Perm()
	}
	return DefaultOutputMode
}

// Commit renames every staged file onto its final path.
func (s *Staging) Commit() error {
	for i, f := range s.staged {
		if err := os.Rename(f.tmp, f.final); err != nil {
			// Drop what was not renamed yet; renamed files stay in place.
			rest := &Staging{staged: s.staged[i:]}
			return errors.Join(fmt.Errorf("commit %s: %w", f.final, err), rest.Discard())
		}
	}
	s.staged = nil
	return nil
}

// Discard removes every staged temporary file.
func (s *Staging) Discard() error {
	var errs []error
	for _, f := range s.staged {
		if err := os.Remove(f.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.staged = nil
	return errors.Join(errs...)
}

// Len returns the number of staged files.
func (s *Staging) Len() int { return len(s.staged) }
