package prefs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the speech-output preference across sessions.
type Store interface {
	SpeechEnabled() bool
	SetSpeechEnabled(enabled bool) error
}

type prefsFile struct {
	SpeechEnabled *bool `json:"speech_enabled,omitempty"`
}

// FileStore is a JSON-file backed Store. The value is loaded once at
// construction and written back on every mutation.
type FileStore struct {
	path string

	mu      sync.Mutex
	enabled bool
}

// NewFileStore loads the preference from path. A missing or unreadable file
// defaults to enabled.
func NewFileStore(path string) *FileStore {
	s := &FileStore{path: path, enabled: true}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var pf prefsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return s
	}
	if pf.SpeechEnabled != nil {
		s.enabled = *pf.SpeechEnabled
	}
	return s
}

func (s *FileStore) SpeechEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *FileStore) SetSpeechEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	data, err := json.Marshal(prefsFile{SpeechEnabled: &enabled})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Memory is an in-memory Store for tests.
type Memory struct {
	mu      sync.Mutex
	enabled bool
}

func NewMemory(enabled bool) *Memory { return &Memory{enabled: enabled} }

func (m *Memory) SpeechEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Memory) SetSpeechEnabled(enabled bool) error {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
	return nil
}
