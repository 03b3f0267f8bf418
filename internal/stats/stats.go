// Package stats reads and writes the bundle tracking file consumed by
// django-webpack-loader.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Status is the build state recorded in the tracking file
type Status string

const (
	StatusCompiling Status = "compiling"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Chunk is one emitted file of a bundle
type Chunk struct {
	Name       string `json:"name"`
	PublicPath string `json:"publicPath,omitempty"`
	Path       string `json:"path"`
}

// File is the tracking file document
type File struct {
	Status     Status             `json:"status"`
	PublicPath string             `json:"publicPath,omitempty"`
	Chunks     map[string][]Chunk `json:"chunks,omitempty"`
	Error      string             `json:"error,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// MarshalJSON always writes chunks for a done build, so a lookup of a missing
// bundle finds an empty map instead of no chunks key at all.
func (f File) MarshalJSON() ([]byte, error) {
	type file File
	if f.Status != StatusDone {
		return json.Marshal(file(f))
	}

	chunks := f.Chunks
	if chunks == nil {
		chunks = map[string][]Chunk{}
	}
	return json.Marshal(struct {
		file
		Chunks map[string][]Chunk `json:"chunks"`
	}{file: file(f), Chunks: chunks})
}

// Tracker writes the tracking file of one application
type Tracker struct {
	path       string
	publicPath string
}

// NewTracker creates a tracker writing to path. publicPath may be empty.
func NewTracker(path, publicPath string) *Tracker {
	return &Tracker{path: path, publicPath: publicPath}
}

// Path returns the tracking file path
func (t *Tracker) Path() string {
	return t.path
}

// Compiling records that a build has started
func (t *Tracker) Compiling() error {
	return t.write(&File{Status: StatusCompiling, PublicPath: t.publicPath})
}

// Done records a successful build and its chunks, keyed by bundle name
func (t *Tracker) Done(chunks map[string][]Chunk) error {
	if t.publicPath != "" {
		for name, list := range chunks {
			for i := range list {
				list[i].PublicPath = t.publicPath + list[i].Name
			}
			chunks[name] = list
		}
	}
	return t.write(&File{Status: StatusDone, PublicPath: t.publicPath, Chunks: chunks})
}

// Error records a failed build
func (t *Tracker) Error(kind, message string) error {
	return t.write(&File{Status: StatusError, PublicPath: t.publicPath, Error: kind, Message: message})
}

func (t *Tracker) write(f *File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal tracking file: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory for tracking file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".webpack-stats-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp tracking file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write tracking file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil { //nolint:gosec // read by the web server
		return fmt.Errorf("failed to set tracking file permissions: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("failed to replace tracking file: %w", err)
	}
	return nil
}

// Load reads a tracking file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the build configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read tracking file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tracking file %s: %w", path, err)
	}
	return &f, nil
}
