// Package metadata writes JSON sidecar files next to downloaded images.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pinscraper/pkg/models"
)

// ImageMetadata represents everything known about a downloaded image
type ImageMetadata struct {
	// Core identifiers
	ID    string `json:"id"`
	Query string `json:"query"`

	// Source
	SourceURL string `json:"source_url"`
	Tier      string `json:"tier"`
	FileSize  int64  `json:"file_size"`

	// Content
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// People and collections
	Creator models.Creator `json:"creator"`
	Board   models.Board   `json:"board"`

	// Engagement
	Stats map[string]int `json:"stats,omitempty"`

	DownloadedAt time.Time `json:"downloaded_at"`
}

// FromRecord builds metadata for the file downloaded for rec.
func FromRecord(rec *models.Record, sourceURL, tier string, fileSize int64) *ImageMetadata {
	return &ImageMetadata{
		ID:           rec.ID,
		Query:        rec.Query,
		SourceURL:    sourceURL,
		Tier:         tier,
		FileSize:     fileSize,
		Title:        rec.Title,
		Description:  rec.Description,
		Creator:      rec.Creator,
		Board:        rec.Board,
		Stats:        rec.Stats,
		DownloadedAt: time.Now().UTC(),
	}
}

// PathFor returns the sidecar path of an image: the image path with its
// extension replaced by .json.
func PathFor(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".json"
}

// Save writes the metadata next to imagePath
func (m *ImageMetadata) Save(imagePath string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	path := PathFor(imagePath)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load reads the sidecar of imagePath
func Load(imagePath string) (*ImageMetadata, error) {
	data, err := os.ReadFile(PathFor(imagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var meta ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &meta, nil
}

// Exists checks if a sidecar exists for imagePath
func Exists(imagePath string) bool {
	_, err := os.Stat(PathFor(imagePath))
	return err == nil
}

// CleanOrphaned removes sidecars in directory whose image is gone.
// It returns the number of files removed.
func CleanOrphaned(directory string) (int, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	images := make(map[string]bool)
	var sidecars []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext == ".json" {
			sidecars = append(sidecars, name)
			continue
		}
		images[strings.TrimSuffix(name, ext)] = true
	}

	removed := 0
	for _, name := range sidecars {
		if images[strings.TrimSuffix(name, ".json")] {
			continue
		}
		if err := os.Remove(filepath.Join(directory, name)); err != nil {
			return removed, fmt.Errorf("failed to remove orphaned metadata %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
