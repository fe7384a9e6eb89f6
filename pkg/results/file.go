package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LoadTable reads a table file. A missing file is an empty table.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Table{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return decodeTable(data, path)
}

// decodeTable keeps numbers as json.Number, exactly as the trait printed them.
func decodeTable(data []byte, path string) (Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	t := Table{}
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse %s: trailing content", path)
	}
	if t == nil {
		t = Table{}
	}
	return t, nil
}

// EncodeTable renders a table as stable, indented JSON with a trailing newline.
func EncodeTable(t Table) ([]byte, error) {
	if t == nil {
		t = Table{}
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	return append(b, '\n'), nil
}

// writeFileAtomic writes data to a unique temp file next to path, syncs it and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

// writeFileDurable writes data to path in place and syncs it.
func writeFileDurable(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// replaceFile renames src over dst. Where the rename cannot replace an existing file
// the old dst is removed first; PublishPath left on disk covers the gap.
func replaceFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return fsyncDir(filepath.Dir(dst))
	}
	if _, statErr := os.Stat(dst); statErr != nil {
		return err
	}
	if rmErr := os.Remove(dst); rmErr != nil {
		return fmt.Errorf("rename failed (%v) and old file could not be removed: %w", err, rmErr)
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(dst))
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
