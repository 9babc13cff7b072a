package fileguard

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/homepods/printbridge/errors"
)

// Store is the managed file tree clients may upload to and delete from.
// All paths are confined to the configured root.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "Store", "NewStore", "root directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "NewStore", "resolve root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "Store", "NewStore", "create root")
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// FileInfo describes one stored file.
type FileInfo struct {
	Name     string `json:"filename"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

// List returns every stored file, sorted by name.
func (s *Store) List() ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Name:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Store", "List", "walk root")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Exists reports whether filename is present in the store.
func (s *Store) Exists(filename string) bool {
	path, err := s.resolve(filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Save writes filename from r, replacing any existing content.
func (s *Store) Save(filename string, r io.Reader) (int64, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrap(err, "Store", "Save", "create parent directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "Store", "Save", "create file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, errors.Wrap(err, "Store", "Save", "write file")
	}
	return n, nil
}

// Delete removes filename from the store.
func (s *Store) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrap(err, "Store", "Delete", "remove file")
	}
	return nil
}

// resolve maps a client-supplied name onto the root, rejecting anything
// that would escape it.
func (s *Store) resolve(filename string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(filename))
	if clean == "/" || strings.Contains(filename, "..") {
		return "", errors.Wrap(errors.ErrInvalidConfig, "Store", "resolve", "invalid filename")
	}
	return filepath.Join(s.root, clean), nil
}
