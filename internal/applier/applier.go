package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/rs/zerolog"
)

type applied struct {
	leaseID string
	path    string
}

// FileApplier writes each owner's active peer configuration to disk so a
// local wg-quick unit can bring the tunnel up.
type FileApplier struct {
	dir     string
	logger  zerolog.Logger
	mu      sync.Mutex
	applied map[string]applied
}

// NewFileApplier creates an applier writing into dir.
func NewFileApplier(dir string, logger zerolog.Logger) (*FileApplier, error) {
	if err := storage.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	return &FileApplier{
		dir:     dir,
		logger:  logger.With().Str("component", "applier").Logger(),
		applied: make(map[string]applied),
	}, nil
}

// LeaseChanged writes the config for active leases and removes it once the
// applied lease ends.
func (a *FileApplier) LeaseChanged(ctx context.Context, lease storage.Lease) {
	switch {
	case lease.State == storage.StateActive:
		if err := a.apply(lease); err != nil {
			a.logger.Error().
				Err(err).
				Str("owner", lease.Owner).
				Str("lease_id", lease.ID).
				Msg("Failed to apply peer config")
		}
	case lease.State.Terminal():
		a.withdraw(lease)
	}
}

// Applied returns the config path currently applied for owner.
func (a *FileApplier) Applied(owner string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.applied[owner]
	return entry.path, ok
}

func (a *FileApplier) apply(lease storage.Lease) error {
	path := filepath.Join(a.dir, fileName(lease.Owner))

	tmp, err := os.CreateTemp(a.dir, ".peer-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(lease.PeerMaterial); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	a.mu.Lock()
	a.applied[lease.Owner] = applied{leaseID: lease.ID, path: path}
	a.mu.Unlock()

	a.logger.Info().
		Str("owner", lease.Owner).
		Str("lease_id", lease.ID).
		Str("path", path).
		Msg("Peer config applied")
	return nil
}

func (a *FileApplier) withdraw(lease storage.Lease) {
	a.mu.Lock()
	entry, ok := a.applied[lease.Owner]
	if !ok || entry.leaseID != lease.ID {
		a.mu.Unlock()
		return
	}
	delete(a.applied, lease.Owner)
	a.mu.Unlock()

	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		a.logger.Error().Err(err).Str("path", entry.path).Msg("Failed to remove peer config")
		return
	}

	a.logger.Info().
		Str("owner", lease.Owner).
		Str("lease_id", lease.ID).
		Msg("Peer config withdrawn")
}

// fileName maps an owner to a safe file name.
func fileName(owner string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, owner)
	clean = strings.TrimLeft(clean, ".")
	if clean == "" {
		clean = "_"
	}
	return clean + ".conf"
}
