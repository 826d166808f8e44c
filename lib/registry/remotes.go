package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Remote is one configured registry endpoint. Tokens are stored in the
// operator's config dir, never in definitions or logs.
type Remote struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Insecure bool   `json:"insecure,omitempty"`
	Token    string `json:"token,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// RemoteStore persists registry endpoints as JSON.
type RemoteStore struct {
	path string
}

func NewRemoteStore(path string) *RemoteStore {
	return &RemoteStore{path: path}
}

// Add registers an endpoint. The first remote added becomes the default;
// makeDefault moves the default explicitly.
func (s *RemoteStore) Add(name, uri string, insecure, makeDefault bool) error {
	remotes, err := s.load()
	if err != nil {
		return err
	}

	for _, r := range remotes {
		if r.Name == name {
			return fmt.Errorf("remote %s already exists", name)
		}
	}

	entry := Remote{Name: name, URI: uri, Insecure: insecure}
	if makeDefault || len(remotes) == 0 {
		for i := range remotes {
			remotes[i].Default = false
		}
		entry.Default = true
	}
	remotes = append(remotes, entry)

	return s.save(remotes)
}

// Login stores an access token for a configured endpoint.
func (s *RemoteStore) Login(name, token string) error {
	remotes, err := s.load()
	if err != nil {
		return err
	}

	for i := range remotes {
		if remotes[i].Name == name {
			remotes[i].Token = token
			return s.save(remotes)
		}
	}
	return fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
}

// Get returns a remote by name.
func (s *RemoteStore) Get(name string) (*Remote, error) {
	remotes, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range remotes {
		if remotes[i].Name == name {
			return &remotes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
}

// Default returns the default remote.
func (s *RemoteStore) Default() (*Remote, error) {
	remotes, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range remotes {
		if remotes[i].Default {
			return &remotes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no default remote", ErrRemoteNotFound)
}

// List returns all configured remotes.
func (s *RemoteStore) List() ([]Remote, error) {
	return s.load()
}

func (s *RemoteStore) load() ([]Remote, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Remote{}, nil
		}
		return nil, fmt.Errorf("read remotes config: %w", err)
	}

	var remotes []Remote
	if err := json.Unmarshal(data, &remotes); err != nil {
		return nil, fmt.Errorf("unmarshal remotes config: %w", err)
	}
	return remotes, nil
}

// save writes the config atomically, owner-only since it may hold tokens.
func (s *RemoteStore) save(remotes []Remote) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(remotes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal remotes config: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write temp remotes config: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename remotes config: %w", err)
	}
	return nil
}
