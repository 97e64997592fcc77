// Package identity keeps the anonymous participant id of this device.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"fullscreen/board/internal/util"
)

// StorageKey is the key the participant id is stored under.
const StorageKey = "fs-user-id"

var ErrInvalidParticipantID = errors.New("invalid participant id")

// Participant is the device-scoped collaborator identity.
type Participant struct {
	ID string `json:"id"`
}

type identityFile struct {
	UserID string `toml:"fs-user-id"`
}

// Provider returns a stable participant id persisted in a TOML file. When the
// file cannot be read or written the id lives for the process only.
type Provider struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached string
}

func NewProvider(path string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{path: strings.TrimSpace(path), logger: logger}
}

// Participant returns the persisted participant, creating one on first use.
func (p *Provider) Participant() Participant {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return Participant{ID: p.cached}
	}

	stored, err := p.read()
	if err != nil {
		p.logger.Error("identity: could not read participant id", "path", p.path, "error", err)
	}
	if util.ValidUUID(stored) {
		p.cached = stored
		return Participant{ID: stored}
	}

	id := util.NewID("")
	if err := p.write(id); err != nil {
		p.logger.Error("identity: could not store participant id", "path", p.path, "error", err)
	}
	p.cached = id
	return Participant{ID: id}
}

// Store replaces the persisted participant id.
func (p *Provider) Store(id string) error {
	id = strings.TrimSpace(id)
	if !util.ValidUUID(id) {
		return ErrInvalidParticipantID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = id
	if err := p.write(id); err != nil {
		return fmt.Errorf("store participant id: %w", err)
	}
	return nil
}

func (p *Provider) read() (string, error) {
	if p.path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read identity file: %w", err)
	}
	var file identityFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("decode identity file: %w", err)
	}
	return strings.TrimSpace(file.UserID), nil
}

func (p *Provider) write(id string) error {
	if p.path == "" {
		return errors.New("no identity file configured")
	}
	payload, err := toml.Marshal(identityFile{UserID: id})
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}
