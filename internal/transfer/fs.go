package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFilenameLength = 255

// FS is the receiver-side destination store. Names are bare file names.
type FS interface {
	Exists(name string) bool
	Create(name string) (io.WriteCloser, error)
	Remove(name string) error
}

// Source is the sender-side origin of file content.
type Source interface {
	Stat(path string) (fs.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
}

// DirFS stores received files in a single directory, created on demand.
type DirFS struct {
	Root string
}

func (d DirFS) path(name string) string {
	return filepath.Join(d.Root, name)
}

func (d DirFS) Exists(name string) bool {
	_, err := os.Lstat(d.path(name))
	return err == nil
}

func (d DirFS) Create(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	f, err := os.Create(d.path(name))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}

func (d DirFS) Remove(name string) error {
	err := os.Remove(d.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// OSSource reads files from the local filesystem.
type OSSource struct{}

func (OSSource) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (OSSource) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, 0) {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}
	if len(filename) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	return nil
}

const collisionSuffix = " (1)"

// ResolveName picks the destination for name. If name is taken, " (1)" is
// inserted before the extension, shortening the stem (or failing that the
// extension) so the result stays within maxFilenameLength. The suffixed
// name is not checked again, so an existing "a (1).txt" gets overwritten.
func ResolveName(store FS, name string) string {
	if !store.Exists(name) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfile such as ".env": the whole name is the stem
		stem, ext = name, ""
	}
	if over := len(stem) + len(collisionSuffix) + len(ext) - maxFilenameLength; over > 0 {
		if over < len(stem) {
			stem = truncateUTF8(stem, len(stem)-over)
		} else {
			ext = truncateUTF8(ext, maxFilenameLength-len(collisionSuffix)-len(stem))
		}
	}
	return stem + collisionSuffix + ext
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
