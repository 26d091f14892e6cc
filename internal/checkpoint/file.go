package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes each record to its Destination path, replacing the previous
// best. Relative destinations are resolved against Dir when it is set.
type FileSink struct {
	Dir string
}

// Put encodes rec and atomically replaces the destination file.
func (f *FileSink) Put(rec Record) error {
	path := f.path(rec.Destination)
	if path == "" {
		return fmt.Errorf("write checkpoint: empty destination")
	}
	payload, err := Encode(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (f *FileSink) path(dest string) string {
	if dest == "" {
		return ""
	}
	if f.Dir != "" && !filepath.IsAbs(dest) {
		return filepath.Join(f.Dir, dest)
	}
	return dest
}

// ReadFile loads a checkpoint written by FileSink.
func ReadFile(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return Decode(b)
}
