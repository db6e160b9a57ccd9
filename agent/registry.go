package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/stagecraft/kvstore"
)

// registryIndexKey holds the list of registered agent ids so the flat KV
// namespace can be enumerated.
const registryIndexKey = "agents:registry:index"

// ErrAgentNotFound is returned by GetAgent for an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// Registration is the registry entry stored under agents:registry:<id>.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Type         string    `json:"type"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register writes the registry entry and adds the id to the index.
func Register(ctx context.Context, store kvstore.Store, reg Registration) error {
	if err := store.Set(ctx, kvstore.RegistryKey(reg.AgentID), reg, 0); err != nil {
		return err
	}
	return updateIndex(ctx, store, func(ids []string) []string {
		for _, id := range ids {
			if id == reg.AgentID {
				return ids
			}
		}
		return append(ids, reg.AgentID)
	})
}

// Deregister removes the registry entry and the index reference.
func Deregister(ctx context.Context, store kvstore.Store, agentID string) error {
	if err := store.Delete(ctx, kvstore.RegistryKey(agentID)); err != nil &&
		!errors.Is(err, kvstore.ErrKeyNotFound) {
		return err
	}
	return updateIndex(ctx, store, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != agentID {
				out = append(out, id)
			}
		}
		return out
	})
}

// GetAgent reads one registry entry.
func GetAgent(ctx context.Context, store kvstore.Store, agentID string) (*Registration, error) {
	var reg Registration
	err := store.Get(ctx, kvstore.RegistryKey(agentID), &reg)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ListAgents returns every live registration. Entries indexed but already
// deleted are skipped.
func ListAgents(ctx context.Context, store kvstore.Store) ([]Registration, error) {
	var ids []string
	err := store.Get(ctx, registryIndexKey, &ids)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		reg, err := GetAgent(ctx, store, id)
		if errors.Is(err, ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, nil
}

// updateIndex applies fn to the id list under CAS, retrying on contention.
func updateIndex(ctx context.Context, store kvstore.Store, fn func([]string) []string) error {
	for attempt := 0; attempt < 5; attempt++ {
		var ids []string
		err := store.Get(ctx, registryIndexKey, &ids)
		missing := errors.Is(err, kvstore.ErrKeyNotFound)
		if err != nil && !missing {
			return err
		}

		next := fn(append([]string(nil), ids...))

		var ok bool
		if missing {
			ok, err = store.CAS(ctx, registryIndexKey, nil, next)
		} else {
			ok, err = store.CAS(ctx, registryIndexKey, &ids, next)
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("registry index update lost %d CAS races", 5)
}
