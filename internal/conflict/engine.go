package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-sync/internal/logger"
)

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithResolvedBy sets the actor recorded on every Result.
func WithResolvedBy(name string) Option {
	return func(e *Engine) { e.resolvedBy = name }
}

// WithHistory records every successful resolution in h.
func WithHistory(h *History) Option {
	return func(e *Engine) { e.history = h }
}

// Engine resolves conflicts. The resolved payload depends only on the
// conflict and the resolution; the clock is read for timestamps alone.
type Engine struct {
	now        func() time.Time
	resolvedBy string
	history    *History
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) History() *History {
	return e.history
}

// Detect compares two versions of an entity. It returns nil when their
// canonical forms are identical. hasAncestor reports whether the entity was
// known to both sides before; without it the conflict is a create/create.
func (e *Engine) Detect(entityType EntityType, entityID string, local, remote Version, hasAncestor bool) (*Conflict, error) {
	localHash, err := Hash(local.Payload)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	remoteHash, err := Hash(remote.Payload)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	if localHash == remoteHash {
		return nil, nil
	}

	c := &Conflict{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Local:      local,
		Remote:     remote,
		DetectedAt: e.now().UTC(),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch {
	case local.tombstone() || remote.tombstone():
		c.Type = TypeDelete
	case !hasAncestor:
		c.Type = TypeCreate
	default:
		c.Type = TypeUpdate
	}

	if c.Fields, err = DiffFields(local.Payload, remote.Payload); err != nil {
		return nil, err
	}

	logger.Log.Debug("Conflict detected",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("type", string(c.Type)),
		zap.Int("fields", len(c.Fields)),
	)
	return c, nil
}

// Resolve applies r to c and returns the authoritative payload.
func (e *Engine) Resolve(c *Conflict, r Resolution) (*Result, error) {
	if c == nil {
		return nil, fmt.Errorf("nil conflict")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		payload json.RawMessage
		err     error
	)
	switch r.Kind {
	case KindKeepLocal:
		payload = c.Local.Payload
	case KindKeepRemote:
		payload = c.Remote.Payload
	case KindMerge:
		if r.Strategy == nil {
			return nil, fmt.Errorf("%w: merge without strategy", ErrUnknownResolution)
		}
		payload, err = merge(c, *r.Strategy)
	case KindCustom:
		payload = r.Payload
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, r.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
	}

	result := &Result{
		ConflictID: c.ID,
		Resolution: r,
		Payload:    append(json.RawMessage(nil), payload...),
		ResolvedAt: e.now().UTC(),
		ResolvedBy: e.resolvedBy,
	}
	if e.history != nil {
		e.history.Record(result)
	}
	return result, nil
}

// ResolveAll resolves conflicts in order with the same resolution. It stops
// at the first failure and returns the results produced so far.
func (e *Engine) ResolveAll(conflicts []*Conflict, r Resolution) ([]*Result, error) {
	results := make([]*Result, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := e.Resolve(c, r)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func merge(c *Conflict, s MergeStrategy) (json.RawMessage, error) {
	switch s.Kind {
	case StrategyLatestWins:
		if localIsLatest(c) {
			return c.Local.Payload, nil
		}
		return c.Remote.Payload, nil
	case StrategyLocalPriority:
		return c.Local.Payload, nil
	case StrategyRemotePriority:
		return c.Remote.Payload, nil
	case StrategyFieldLevel:
		return mergeFields(c, s.Fields)
	}
	return nil, fmt.Errorf("%w: strategy %q", ErrUnknownResolution, s.Kind)
}

// localIsLatest breaks ties in favour of the remote side.
func localIsLatest(c *Conflict) bool {
	return c.Local.ModifiedAt.After(c.Remote.ModifiedAt)
}
