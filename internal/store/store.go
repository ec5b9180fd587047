// Package store persists the two advisory catalogs that survive restarts:
// remembered container image names and remembered SSH session parameters.
//
// Both catalogs are small JSON files in the data directory. Losing them
// degrades convenience (image autocomplete, ssh reconnect) but not
// correctness, so write failures are logged and never propagated to the
// operation that triggered them.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	imagesFile = "images.json"
	sshFile    = "ssh_sessions.json"
)

// SavedParams is a persisted copy of SSH connection parameters, including
// credentials, used only for explicit reconnect. Stored unencrypted; the
// data directory is created 0700 and files are written 0600.
type SavedParams struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	Password   string    `json:"password,omitempty"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Passphrase string    `json:"passphrase,omitempty"`
	Term       string    `json:"term,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store owns the on-disk catalogs. All methods are safe for concurrent use.
type Store struct {
	dir string

	mu     sync.Mutex
	images []string                // most recent first, set semantics
	params map[string]SavedParams  // session ID → saved parameters
}

// New creates the data directory if needed and loads any existing catalogs.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		params: make(map[string]SavedParams),
	}

	if data, err := os.ReadFile(filepath.Join(dir, imagesFile)); err == nil {
		if err := json.Unmarshal(data, &s.images); err != nil {
			log.Printf("store: ignoring malformed %s: %v", imagesFile, err)
			s.images = nil
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, sshFile)); err == nil {
		if err := json.Unmarshal(data, &s.params); err != nil {
			log.Printf("store: ignoring malformed %s: %v", sshFile, err)
			s.params = make(map[string]SavedParams)
		}
	}

	return s, nil
}

// Images returns the remembered image names, most recent first.
func (s *Store) Images() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.images))
	copy(out, s.images)
	return out
}

// AddImage inserts an image name at the front, removing any earlier
// occurrence, and returns the updated list.
func (s *Store) AddImage(image string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]string, 0, len(s.images)+1)
	next = append(next, image)
	for _, img := range s.images {
		if img != image {
			next = append(next, img)
		}
	}
	s.images = next
	s.writeImagesLocked()

	out := make([]string, len(s.images))
	copy(out, s.images)
	return out
}

// RemoveImage deletes an image name and returns the updated list.
func (s *Store) RemoveImage(image string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.images[:0]
	for _, img := range s.images {
		if img != image {
			next = append(next, img)
		}
	}
	s.images = next
	s.writeImagesLocked()

	out := make([]string, len(s.images))
	copy(out, s.images)
	return out
}

// SaveSSHParams remembers the connection parameters for a session ID,
// stamping the save time.
func (s *Store) SaveSSHParams(sessionID string, p SavedParams) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.SavedAt = time.Now()
	s.params[sessionID] = p
	s.writeParamsLocked()
}

// SSHParams returns the remembered parameters for a session ID.
func (s *Store) SSHParams(sessionID string) (SavedParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[sessionID]
	return p, ok
}

// EvictAged removes remembered parameters older than maxAge and returns how
// many entries were dropped.
func (s *Store) EvictAged(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	evicted := 0
	for id, p := range s.params {
		if p.SavedAt.Before(cutoff) {
			delete(s.params, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.writeParamsLocked()
		log.Printf("store: evicted %d aged ssh parameter record(s)", evicted)
	}
	return evicted
}

func (s *Store) writeImagesLocked() {
	data, err := json.MarshalIndent(s.images, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(s.dir, imagesFile), data, 0600)
	}
	if err != nil {
		log.Printf("store: persist %s: %v", imagesFile, err)
	}
}

func (s *Store) writeParamsLocked() {
	data, err := json.MarshalIndent(s.params, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(s.dir, sshFile), data, 0600)
	}
	if err != nil {
		log.Printf("store: persist %s: %v", sshFile, err)
	}
}
