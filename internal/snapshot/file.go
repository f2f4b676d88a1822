package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/matt-riley/flagsync/internal/core"
)

// File stores the snapshot as a JSON document on a filesystem. Writes go to a
// temporary sibling first and are renamed into place.
type File struct {
	fs    afero.Fs
	path  string
	scope Scope
	now   func() time.Time
}

// NewFile returns a file store at path on fsys. A nil fsys means the OS
// filesystem.
func NewFile(fsys afero.Fs, path string, scope Scope) *File {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &File{fs: fsys, path: path, scope: scope, now: time.Now}
}

func (f *File) Save(_ context.Context, defs []core.FeatureDefinition) error {
	payload, err := encode(f.scope, defs, f.now())
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *File) Load(_ context.Context) ([]core.FeatureDefinition, error) {
	payload, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decode(f.scope, payload)
}
