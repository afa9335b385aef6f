package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrVerification marks a file that was written but is not a usable image.
var ErrVerification = errors.New("file verification failed")

const tempSuffix = ".tmp"

// extensions maps sniffed content types to file extensions
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/avif": ".avif",
}

const fallbackExt = ".img"

func isImageExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".avif", fallbackExt:
		return true
	}
	return false
}

// Manager handles image files and duplicate detection
type Manager struct {
	outputDir  string
	minSize    int64
	downloaded map[string]string
	mu         sync.RWMutex
}

// NewManager creates the output directory if needed and indexes the images
// already in it. Files smaller than minSize fail verification.
func NewManager(outputDir string, minSize int64) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		outputDir:  outputDir,
		minSize:    minSize,
		downloaded: make(map[string]string),
	}

	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return manager, nil
}

func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		path := filepath.Join(m.outputDir, name)
		switch {
		case ext == tempSuffix:
			// half-written file from an interrupted run
			os.Remove(path)
		case isImageExt(ext):
			m.downloaded[strings.TrimSuffix(name, ext)] = path
		}
	}

	return nil
}

// Existing returns the path of a stored image for id.
func (m *Manager) Existing(id string) (string, bool) {
	m.mu.RLock()
	path, ok := m.downloaded[id]
	m.mu.RUnlock()
	if ok {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		m.mu.Lock()
		delete(m.downloaded, id)
		m.mu.Unlock()
	}
	return "", false
}

// Save streams r to a temporary file, verifies it and renames it to its
// final name. It returns the final path and the number of bytes written.
// Nothing is left on disk when an error is returned.
func (m *Manager) Save(r io.Reader, id string) (string, int64, error) {
	tempFile := filepath.Join(m.outputDir, id+tempSuffix)
	out, err := os.Create(tempFile)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	size, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return "", size, fmt.Errorf("failed to save image data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return "", size, fmt.Errorf("failed to close file: %w", closeErr)
	}

	ext, err := m.verify(tempFile, size)
	if err != nil {
		os.Remove(tempFile)
		return "", size, err
	}

	filename := filepath.Join(m.outputDir, id+ext)
	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return "", size, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	m.downloaded[id] = filename
	m.mu.Unlock()

	return filename, size, nil
}

// verify checks size and content type, returning the extension to use.
func (m *Manager) verify(path string, size int64) (string, error) {
	if size < m.minSize {
		return "", fmt.Errorf("%w: %d bytes, want at least %d", ErrVerification, size, m.minSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to reopen file: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read file header: %w", err)
	}

	contentType := http.DetectContentType(head[:n])
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: content type %s", ErrVerification, contentType)
	}
	if ext, ok := extensions[contentType]; ok {
		return ext, nil
	}
	return fallbackExt, nil
}

// OutputDir returns the output directory path
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// DownloadedCount returns the number of images on disk
func (m *Manager) DownloadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.downloaded)
}
