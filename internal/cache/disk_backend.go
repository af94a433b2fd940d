package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// DiskBackend implements Backend with one folder per generation and one file
// per key. Each file starts with its key on a single line, so keys can be
// listed back.
type DiskBackend struct {
	cacheDir string
}

// NewDisk creates a new disk backend rooted at cacheDir
func NewDisk(cacheDir string) *DiskBackend {
	return &DiskBackend{cacheDir: cacheDir}
}

// Init ensures the cache directory exists
func (d *DiskBackend) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskBackend) filePath(gen, key string) string {
	return filepath.Join(d.cacheDir, gen, keyPath(key))
}

// Get reads the cached value if the file exists
func (d *DiskBackend) Get(gen, key string) ([]byte, error) {
	data, err := os.ReadFile(d.filePath(gen, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(storedKey) != key {
		// two keys hashed to the same file, treat as a miss
		return nil, nil
	}
	return value, nil
}

// Set writes to a temporary file then renames it, so readers never observe a
// partial value.
func (d *DiskBackend) Set(gen, key string, value []byte) error {
	if strings.Contains(key, "\n") {
		return fmt.Errorf("key contains a newline")
	}
	cachePath := d.filePath(gen, key)

	// Ensure directory exists
	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	_, _ = w.WriteString(key + "\n")
	_, _ = w.Write(value)
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return err
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

func (d *DiskBackend) Delete(gen, key string) error {
	err := os.Remove(d.filePath(gen, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DiskBackend) Keys(gen string) ([]string, error) {
	root := filepath.Join(d.cacheDir, gen)
	var keys []string
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(p, ".bin") {
			return nil
		}
		key, err := readKeyLine(p)
		if err != nil {
			logrus.Warnf("Unreadable cache file %s: %v", p, err)
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func readKeyLine(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (d *DiskBackend) CreateGeneration(gen string) error {
	return os.MkdirAll(filepath.Join(d.cacheDir, gen), 0755)
}

func (d *DiskBackend) DeleteGeneration(gen string) error {
	return os.RemoveAll(filepath.Join(d.cacheDir, gen))
}

func (d *DiskBackend) Generations() ([]string, error) {
	entries, err := os.ReadDir(d.cacheDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *DiskBackend) Close() error {
	return nil
}
