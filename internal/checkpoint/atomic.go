package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicFile is an os.File staged in the destination directory under a temp
// name. Commit renames it over the destination; Discard removes it.
type atomicFile struct {
	file *os.File
	dest string
}

func newAtomicFile(dest string) (*atomicFile, error) {
	dir := filepath.Dir(dest)
	file, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage checkpoint %s: %w", dest, err)
	}
	return &atomicFile{file: file, dest: dest}, nil
}

func (a *atomicFile) Commit() error {
	if err := a.file.Sync(); err != nil {
		a.Discard()
		return err
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.file.Name())
		return err
	}
	return os.Rename(a.file.Name(), a.dest)
}

func (a *atomicFile) Discard() {
	a.file.Close()
	os.Remove(a.file.Name())
}
