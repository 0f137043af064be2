// Package filexfer implements chunked file upload/download over the data
// channel, jailed beneath the session owner's home directory.
package filexfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxUploadBytes bounds a single upload (spec.md gives chunk size, not a
// whole-file cap; this is a conservative ceiling against runaway uploads).
const MaxUploadBytes = 4 * 1024 * 1024 * 1024 // 4 GiB

// ChunkBytes is the wire chunk size for both directions.
const ChunkBytes = 16 * 1024

// Jail resolves relativePath beneath home. Leading ".." components are
// clamped at home rather than followed, and a path that resolves through
// a symlink pointing outside home is refused.
func Jail(home, relativePath string) (string, error) {
	clean := filepath.Clean("/" + relativePath)[1:] // drop any leading ".."
	full := filepath.Join(home, clean)

	resolvedHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		return "", fmt.Errorf("filexfer: resolve home: %w", err)
	}

	// Resolve as much of the path as exists; a not-yet-created upload
	// target is fine, but every existing ancestor must resolve inside
	// the jail (rejects a symlinked intermediate directory).
	dir := filepath.Dir(full)
	resolvedDir, err := resolveExistingPrefix(dir)
	if err != nil {
		return "", err
	}
	if !withinDir(resolvedHome, resolvedDir) {
		return "", fmt.Errorf("filexfer: path escapes jail: %s", relativePath)
	}
	return full, nil
}

func resolveExistingPrefix(dir string) (string, error) {
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("filexfer: resolve %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, nil
		}
		dir = parent
	}
}

func withinDir(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// Upload accumulates base64 chunks into a file under home. Call Start
// once, Chunk repeatedly, Done (or Abort) once.
type Upload struct {
	f         *os.File
	written   int64
}

// StartUpload creates (truncating) the jailed destination file.
func StartUpload(home, relativePath string) (*Upload, error) {
	full, err := Jail(home, relativePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return nil, fmt.Errorf("filexfer: mkdir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("filexfer: open: %w", err)
	}
	return &Upload{f: f}, nil
}

// Chunk decodes and appends one base64 chunk.
func (u *Upload) Chunk(b64 string) error {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("filexfer: decode chunk: %w", err)
	}
	u.written += int64(len(data))
	if u.written > MaxUploadBytes {
		return fmt.Errorf("filexfer: upload exceeds %d bytes", MaxUploadBytes)
	}
	_, err = u.f.Write(data)
	return err
}

// Done closes the file successfully.
func (u *Upload) Done() error { return u.f.Close() }

// Abort closes and removes the partial file.
func (u *Upload) Abort() {
	name := u.f.Name()
	u.f.Close()
	_ = os.Remove(name)
}

// Download streams a jailed file's contents as base64 chunks over a
// bounded channel — the whole file is never buffered in memory, only
// ChunkBytes at a time, and the channel itself caps how far the reader
// can get ahead of the writer.
func Download(home, relativePath string, out chan<- string, stop <-chan struct{}) error {
	full, err := Jail(home, relativePath)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("filexfer: open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, ChunkBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := base64.StdEncoding.EncodeToString(buf[:n])
			select {
			case out <- chunk:
			case <-stop:
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("filexfer: read: %w", err)
		}
	}
}
