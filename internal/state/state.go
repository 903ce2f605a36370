// Package state persists conversation transcripts under ~/.qwen-shell.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var (
	ErrNotInitialized        = errors.New("state not initialized")
	ErrTranscriptNotFound    = errors.New("transcript not found")
	ErrDuplicateTranscriptID = errors.New("transcript id already exists")
)

// State is the on-disk store for saved transcripts.
type State struct {
	Dir string // root directory, "" until Init
}

// TranscriptInfo summarizes one saved transcript.
type TranscriptInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Model   string    `json:"model"`
	Created time.Time `json:"created"`
}

// New creates an uninitialized store.
func New() *State {
	return &State{}
}

// Init points the store at a root directory; "" selects ~/.qwen-shell.
func (s *State) Init(dir string) error {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".qwen-shell")
	}
	if err := os.MkdirAll(filepath.Join(dir, "transcripts"), 0755); err != nil {
		return err
	}
	s.Dir = dir
	return nil
}

func (s *State) requireInit() error {
	if s.Dir == "" {
		return ErrNotInitialized
	}
	return nil
}

// generateID creates a random 6-character hex ID.
func generateID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *State) transcriptPath(id string) string {
	return filepath.Join(s.Dir, "transcripts", id+".txt")
}

func (s *State) infoPath(id string) string {
	return filepath.Join(s.Dir, "transcripts", id+".json")
}

// SaveTranscript stores transcript text under a fresh id and returns its
// summary. The content file is written first so a crash never leaves an
// index entry without its transcript.
func (s *State) SaveTranscript(name, model, content string) (TranscriptInfo, error) {
	if err := s.requireInit(); err != nil {
		return TranscriptInfo{}, err
	}

	id, err := generateID()
	if err != nil {
		return TranscriptInfo{}, err
	}
	if _, err := os.Stat(s.transcriptPath(id)); err == nil {
		return TranscriptInfo{}, ErrDuplicateTranscriptID
	}

	created := time.Now().UTC()
	if name == "" {
		name = "Transcript " + created.Format("2006-01-02 15:04")
	}

	if err := os.WriteFile(s.transcriptPath(id), []byte(content), 0644); err != nil {
		return TranscriptInfo{}, err
	}

	info := TranscriptInfo{ID: id, Name: name, Model: model, Created: created}
	data, err := json.Marshal(info)
	if err != nil {
		return TranscriptInfo{}, err
	}
	if err := os.WriteFile(s.infoPath(id), data, 0644); err != nil {
		os.Remove(s.transcriptPath(id))
		return TranscriptInfo{}, err
	}
	return info, nil
}

// LoadTranscript returns the stored transcript text for an id.
func (s *State) LoadTranscript(id string) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.transcriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrTranscriptNotFound
		}
		return "", err
	}
	return string(data), nil
}

// ListTranscripts returns summaries of saved transcripts, newest first.
func (s *State) ListTranscripts() ([]TranscriptInfo, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.Dir, "transcripts"))
	if err != nil {
		return nil, err
	}

	infos := make([]TranscriptInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, "transcripts", entry.Name()))
		if err != nil {
			continue
		}
		var info TranscriptInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue // stale or corrupt entry; skip, don't fail the listing
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos, nil
}

// DeleteTranscript removes a saved transcript and its summary.
func (s *State) DeleteTranscript(id string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	if _, err := os.Stat(s.transcriptPath(id)); os.IsNotExist(err) {
		return ErrTranscriptNotFound
	}
	if err := os.Remove(s.transcriptPath(id)); err != nil {
		return err
	}
	os.Remove(s.infoPath(id))
	return nil
}
