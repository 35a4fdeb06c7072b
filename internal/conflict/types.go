// Package conflict detects and resolves divergent local and remote versions
// of the same entity.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"
)

type EntityType string

const (
	EntityItem       EntityType = "item"
	EntityReceipt    EntityType = "receipt"
	EntityLocation   EntityType = "location"
	EntityCollection EntityType = "collection"
	EntityWarranty   EntityType = "warranty"
	EntityDocument   EntityType = "document"
)

type Type string

const (
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
	TypeCreate Type = "create"
)

// FieldChange describes one field that differs. Values are display strings;
// nil means the field is unset on that side.
type FieldChange struct {
	FieldName     string  `json:"field_name"`
	DisplayName   string  `json:"display_name"`
	OldValue      *string `json:"old_value,omitempty"`
	NewValue      *string `json:"new_value,omitempty"`
	IsConflicting bool    `json:"is_conflicting"`
}

// Version is one side of a conflict. An empty or null Payload is a tombstone.
type Version struct {
	Payload    json.RawMessage `json:"payload"`
	ModifiedAt time.Time       `json:"modified_at"`
	ModifiedBy string          `json:"modified_by,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	// Changes are the side's edits since the common ancestor. When set they
	// take precedence over Payload during field level merges.
	Changes []FieldChange `json:"changes,omitempty"`
}

func (v Version) tombstone() bool {
	return isNull(v.Payload)
}

type Conflict struct {
	ID         string        `json:"id"`
	EntityType EntityType    `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Local      Version       `json:"local"`
	Remote     Version       `json:"remote"`
	Type       Type          `json:"conflict_type"`
	DetectedAt time.Time     `json:"detected_at"`
	Fields     []FieldChange `json:"fields,omitempty"`
}

// Validate checks that payloads carrying an "id" belong to EntityID.
func (c *Conflict) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrEntityMismatch)
	}
	for side, v := range map[string]Version{"local": c.Local, "remote": c.Remote} {
		id, ok := payloadID(v.Payload)
		if ok && id != c.EntityID {
			return fmt.Errorf("%w: %s payload id %q, entity %q", ErrEntityMismatch, side, id, c.EntityID)
		}
	}
	return nil
}

type ResolutionKind string

const (
	KindKeepLocal  ResolutionKind = "keep_local"
	KindKeepRemote ResolutionKind = "keep_remote"
	KindMerge      ResolutionKind = "merge"
	KindCustom     ResolutionKind = "custom"
)

type StrategyKind string

const (
	StrategyLatestWins     StrategyKind = "latest_wins"
	StrategyLocalPriority  StrategyKind = "local_priority"
	StrategyRemotePriority StrategyKind = "remote_priority"
	StrategyFieldLevel     StrategyKind = "field_level"
)

type FieldRule string

const (
	RuleUseLocal    FieldRule = "use_local"
	RuleUseRemote   FieldRule = "use_remote"
	RuleConcatenate FieldRule = "concatenate"
	RuleAverage     FieldRule = "average"
	RuleLatest      FieldRule = "latest"
)

type FieldResolution struct {
	FieldName string    `json:"field_name" validate:"required"`
	Rule      FieldRule `json:"rule" validate:"required,oneof=use_local use_remote concatenate average latest"`
	// Separator is only used by RuleConcatenate.
	Separator string `json:"separator,omitempty"`
}

type MergeStrategy struct {
	Kind   StrategyKind      `json:"kind" validate:"required,oneof=latest_wins local_priority remote_priority field_level"`
	Fields []FieldResolution `json:"fields,omitempty" validate:"dive"`
}

type Resolution struct {
	Kind     ResolutionKind  `json:"kind" validate:"required,oneof=keep_local keep_remote merge custom"`
	Strategy *MergeStrategy  `json:"strategy,omitempty" validate:"required_if=Kind merge"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func KeepLocal() Resolution  { return Resolution{Kind: KindKeepLocal} }
func KeepRemote() Resolution { return Resolution{Kind: KindKeepRemote} }

func Merge(s MergeStrategy) Resolution {
	return Resolution{Kind: KindMerge, Strategy: &s}
}

func Custom(payload json.RawMessage) Resolution {
	return Resolution{Kind: KindCustom, Payload: payload}
}

func LatestWins() MergeStrategy     { return MergeStrategy{Kind: StrategyLatestWins} }
func LocalPriority() MergeStrategy  { return MergeStrategy{Kind: StrategyLocalPriority} }
func RemotePriority() MergeStrategy { return MergeStrategy{Kind: StrategyRemotePriority} }

func FieldLevel(fields ...FieldResolution) MergeStrategy {
	return MergeStrategy{Kind: StrategyFieldLevel, Fields: fields}
}

// String is the label stored with resolved conflicts, e.g. "merge:latest_wins".
func (r Resolution) String() string {
	if r.Kind == KindMerge && r.Strategy != nil {
		return string(r.Kind) + ":" + string(r.Strategy.Kind)
	}
	return string(r.Kind)
}

// ParseResolution maps a configured strategy name onto a Resolution. Field
// rules only apply to "field_level".
func ParseResolution(name string, fields []FieldResolution) (Resolution, error) {
	switch name {
	case string(KindKeepLocal):
		return KeepLocal(), nil
	case string(KindKeepRemote):
		return KeepRemote(), nil
	case string(StrategyLatestWins), "":
		return Merge(LatestWins()), nil
	case string(StrategyLocalPriority):
		return Merge(LocalPriority()), nil
	case string(StrategyRemotePriority):
		return Merge(RemotePriority()), nil
	case string(StrategyFieldLevel):
		return Merge(FieldLevel(fields...)), nil
	}
	return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownResolution, name)
}

type Result struct {
	ConflictID string          `json:"conflict_id"`
	Resolution Resolution      `json:"resolution"`
	Payload    json.RawMessage `json:"payload"`
	ResolvedAt time.Time       `json:"resolved_at"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
}
