// Package identity persists the durable anonymous player identifier a device
// presents to the lobby. Storage failures degrade to a session-scoped identity
// rather than failing the caller.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
)

// Identity is the stable identifier and current display name for this device.
type Identity struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Store loads and persists the device identity at a fixed path.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
	cached *Identity
}

// NewStore builds a store backed by the given file path. An empty path keeps
// the identity in memory only.
func NewStore(path string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Store{path: path, logger: logger}
}

// GetOrCreate returns the persisted identity, minting and persisting a fresh
// one on first use. When storage is unavailable the minted identity is kept
// in memory for the session and the failure is logged, never surfaced.
func (s *Store) GetOrCreate() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached
	}
	//1.- Prefer the identity already on disk so the player keeps their history.
	if id, err := s.load(); err == nil {
		s.cached = id
		return *id
	}
	//2.- Mint a fresh 128-bit identifier and try to persist it.
	id := &Identity{PlayerID: newPlayerID()}
	if err := s.save(id); err != nil {
		s.logger.Warn("identity persistence unavailable, using session-scoped identity",
			logging.String("path", s.path), logging.Error(err))
	}
	s.cached = id
	return *id
}

// SetDisplayName records the name used for the current session. The name is
// persisted on a best-effort basis alongside the identifier.
func (s *Store) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return
	}
	s.cached.DisplayName = name
	if err := s.save(s.cached); err != nil {
		s.logger.Debug("display name not persisted", logging.Error(err))
	}
}

func (s *Store) load() (*Identity, error) {
	if s.path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file: %w", err)
	}
	if id.PlayerID == "" {
		return nil, fmt.Errorf("identity file missing playerId")
	}
	return &id, nil
}

func (s *Store) save(id *Identity) error {
	if s.path == "" {
		return os.ErrNotExist
	}
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// newPlayerID mints a random 128-bit identifier encoded as hex, falling back
// to a clock-derived value if the entropy source fails.
func newPlayerID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
