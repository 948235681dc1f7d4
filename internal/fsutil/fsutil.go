// Package fsutil writes checkpoint files atomically and encodes them as zstd
// compressed gob.
package fsutil

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

// WriteAtomic streams write into a temporary file next to path and renames it
// over path once it has been synced. On error path is left untouched.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", filepath.Base(path), err)
	}
	defer tmp.Cleanup() //nolint:errcheck // no-op after a successful replace

	wr := bufio.NewWriter(tmp)
	if err := write(wr); err != nil {
		return err
	}
	if err := wr.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteGob encodes v into path as zstd compressed gob.
func WriteGob(path string, v any) error {
	return WriteAtomic(path, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if err := gob.NewEncoder(enc).Encode(v); err != nil {
			_ = enc.Close()
			return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
		}
		return enc.Close()
	})
}

// ReadGob decodes path, written by WriteGob, into v. It returns false without
// error when the file does not exist.
func ReadGob(path string, v any) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return false, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	if err := gob.NewDecoder(dec).Decode(v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
