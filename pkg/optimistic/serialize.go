package optimistic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncwire/go-sync-engine/pkg/codec"
)

type serializedUpdate struct {
	ID            string      `json:"id"`
	Mutation      string      `json:"mutation"`
	Args          interface{} `json:"args"`
	Status        Status      `json:"status"`
	Order         int64       `json:"order"`
	AppliedAt     int64       `json:"appliedAt"`
	Key           string      `json:"key,omitempty"`
	DependsOn     string      `json:"dependsOn,omitempty"`
	RevertOnError bool        `json:"revertOnError"`
}

// Serialize renders the unresolved updates as JSON. Transformation
// functions are not serializable; Deserialize restores them from a key
// map.
func (e *Engine) Serialize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]serializedUpdate, 0, len(e.order))
	for _, id := range e.order {
		u := e.byID[id]
		args, err := codec.Encode(u.Args)
		if err != nil {
			return nil, err
		}
		out = append(out, serializedUpdate{
			ID:            u.ID,
			Mutation:      u.Mutation,
			Args:          args,
			Status:        u.Status,
			Order:         u.Order,
			AppliedAt:     u.AppliedAt.UnixMilli(),
			Key:           u.Key,
			DependsOn:     u.DependsOn,
			RevertOnError: u.RevertOnError,
		})
	}
	return json.Marshal(out)
}

// Deserialize replaces the engine's state with previously serialized
// updates. fnMap maps serialization keys to transformation functions;
// updates without a mapped key restore with the identity
// transformation. The order counter reseeds past the highest restored
// order.
func (e *Engine) Deserialize(data []byte, fnMap map[string]TransformFunc) error {
	var in []serializedUpdate
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("deserializing optimistic updates: %w", err)
	}

	byID := make(map[string]*Update, len(in))
	var maxOrder int64
	for _, su := range in {
		args, err := codec.Decode(su.Args)
		if err != nil {
			return err
		}
		fn := fnMap[su.Key]
		u := &Update{
			ID:            su.ID,
			Mutation:      su.Mutation,
			Args:          args,
			Status:        su.Status,
			Order:         su.Order,
			AppliedAt:     time.UnixMilli(su.AppliedAt).UTC(),
			Key:           su.Key,
			DependsOn:     su.DependsOn,
			RevertOnError: su.RevertOnError,
			fn:            fn,
		}
		byID[u.ID] = u
		if u.Order > maxOrder {
			maxOrder = u.Order
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = byID
	e.errored = map[string]struct{}{}
	e.order = make([]string, 0, len(byID))
	for _, su := range in {
		e.order = append(e.order, su.ID)
	}
	e.order = e.orderedIDsLocked()
	if maxOrder > e.counter {
		e.counter = maxOrder
	}
	return nil
}
