package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidName is returned for names that would escape the storage root
var ErrInvalidName = errors.New("storage: invalid name")

// ErrNotFound is returned when a recording does not exist
var ErrNotFound = errors.New("storage: not found")

// Storage persists recordings
type Storage interface {
	// Create opens name for writing, truncating any previous recording
	Create(name string) (io.WriteCloser, error)

	// ReadSeeker returns a ReadSeeker for the file (useful for http.ServeContent)
	ReadSeeker(name string) (io.ReadSeeker, error)

	// Delete removes a recording
	Delete(name string) error

	// Exists checks if a recording exists
	Exists(name string) (bool, error)

	// List lists recordings in a directory
	List(dir string) ([]string, error)
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// fileWriter buffers writes to a recording file
type fileWriter struct {
	*bufio.Writer
	f *os.File
}

func (w *fileWriter) Close() error {
	flushErr := w.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush file: %w", flushErr)
	}
	return closeErr
}

// Create opens a recording file for writing
func (s *LocalStorage) Create(name string) (io.WriteCloser, error) {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &fileWriter{Writer: bufio.NewWriterSize(f, 64*1024), f: f}, nil
}

// ReadSeeker returns a ReadSeeker for the file
func (s *LocalStorage) ReadSeeker(name string) (io.ReadSeeker, error) {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(name string) error {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(name string) (bool, error) {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory
func (s *LocalStorage) List(dir string) ([]string, error) {
	fullPath := s.baseDir
	if dir != "" {
		p, err := s.fullPath(dir)
		if err != nil {
			return nil, err
		}
		fullPath = p
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	return files, nil
}

func (s *LocalStorage) fullPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
