package artifacts

import (
	"context"
	"log/slog"
)

// MirroredStore writes to a primary store and copies each write to mirrors.
// Only primary failures are returned; mirror failures are logged.
type MirroredStore struct {
	primary Store
	mirrors []Store
	logger  *slog.Logger
}

// NewMirroredStore wraps primary. With no mirrors it behaves like primary.
func NewMirroredStore(primary Store, mirrors ...Store) *MirroredStore {
	return &MirroredStore{
		primary: primary,
		mirrors: mirrors,
		logger:  slog.Default().With("component", "artifacts"),
	}
}

func (m *MirroredStore) Put(ctx context.Context, key string, data []byte) error {
	if err := m.primary.Put(ctx, key, data); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Put(ctx, key, data); err != nil {
			m.logger.Warn("artifact mirror write failed", "key", key, "error", err)
		}
	}
	return nil
}

func (m *MirroredStore) Get(ctx context.Context, key string) ([]byte, error) {
	return m.primary.Get(ctx, key)
}

func (m *MirroredStore) Exists(ctx context.Context, key string) (bool, error) {
	return m.primary.Exists(ctx, key)
}
