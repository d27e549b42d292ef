package achievement

import (
	"encoding/json"
	"fmt"
)

// Criterion is one rule variant: a pure predicate over the data-store
// snapshot and session metrics. Implementations must not carry side effects.
type Criterion interface {
	Evaluate(state Snapshot, metrics Metrics) bool
}

// CriterionFactory decodes variant-specific params into a Criterion.
type CriterionFactory func(params json.RawMessage) (Criterion, error)

// Registry maps criterion kinds to their factories. Variants are registered
// in the table rather than branched on by string at evaluation time.
type Registry struct {
	factories map[CriterionKind]CriterionFactory
}

// NewRegistry returns a registry with the built-in criterion kinds.
func NewRegistry() *Registry {
	registry := &Registry{factories: make(map[CriterionKind]CriterionFactory)}
	registry.Register(KindThresholdReached, newThresholdCriterion)
	registry.Register(KindSetComplete, newSetCompleteCriterion)
	registry.Register(KindRareItemFound, newRareItemCriterion)
	return registry
}

// Register adds or replaces a criterion factory for a kind.
func (registry *Registry) Register(kind CriterionKind, factory CriterionFactory) {
	registry.factories[kind] = factory
}

// Build decodes a definition's params into its criterion variant.
func (registry *Registry) Build(kind CriterionKind, params json.RawMessage) (Criterion, error) {
	factory, ok := registry.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCriterionKind, string(kind))
	}
	return factory(params)
}

// thresholdCriterion fires when a numeric value reaches a threshold. The value
// comes from a session metric when Metric is set, otherwise from a numeric
// data-store key.
type thresholdCriterion struct {
	Key       string `json:"key"`
	Metric    string `json:"metric"`
	Threshold int64  `json:"threshold"`
}

func newThresholdCriterion(params json.RawMessage) (Criterion, error) {
	var criterion thresholdCriterion
	if err := json.Unmarshal(params, &criterion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriterion, err)
	}
	if criterion.Key == "" && criterion.Metric == "" {
		return nil, fmt.Errorf("%w: threshold needs a key or a metric", ErrInvalidCriterion)
	}
	if criterion.Threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive", ErrInvalidCriterion)
	}
	return criterion, nil
}

func (criterion thresholdCriterion) Evaluate(state Snapshot, metrics Metrics) bool {
	if criterion.Metric != "" {
		return metrics[criterion.Metric] >= criterion.Threshold
	}
	raw, ok := state[criterion.Key]
	if !ok {
		return false
	}
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value >= criterion.Threshold
}

// setCompleteCriterion fires when a data-store key holds a JSON string array
// containing every required member.
type setCompleteCriterion struct {
	Key      string   `json:"key"`
	Required []string `json:"required"`
}

func newSetCompleteCriterion(params json.RawMessage) (Criterion, error) {
	var criterion setCompleteCriterion
	if err := json.Unmarshal(params, &criterion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriterion, err)
	}
	if criterion.Key == "" {
		return nil, fmt.Errorf("%w: set_complete needs a key", ErrInvalidCriterion)
	}
	if len(criterion.Required) == 0 {
		return nil, fmt.Errorf("%w: set_complete needs required members", ErrInvalidCriterion)
	}
	return criterion, nil
}

func (criterion setCompleteCriterion) Evaluate(state Snapshot, metrics Metrics) bool {
	collected, ok := decodeStringSet(state, criterion.Key)
	if !ok {
		return false
	}
	for _, member := range criterion.Required {
		if _, found := collected[member]; !found {
			return false
		}
	}
	return true
}

// rareItemCriterion fires when a specific item id appears in a collection key.
type rareItemCriterion struct {
	Key    string `json:"key"`
	ItemID string `json:"item_id"`
}

func newRareItemCriterion(params json.RawMessage) (Criterion, error) {
	var criterion rareItemCriterion
	if err := json.Unmarshal(params, &criterion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriterion, err)
	}
	if criterion.Key == "" || criterion.ItemID == "" {
		return nil, fmt.Errorf("%w: rare_item_found needs a key and an item id", ErrInvalidCriterion)
	}
	return criterion, nil
}

func (criterion rareItemCriterion) Evaluate(state Snapshot, metrics Metrics) bool {
	collected, ok := decodeStringSet(state, criterion.Key)
	if !ok {
		return false
	}
	_, found := collected[criterion.ItemID]
	return found
}

func decodeStringSet(state Snapshot, key string) (map[string]struct{}, bool) {
	raw, ok := state[key]
	if !ok {
		return nil, false
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, false
	}
	set := make(map[string]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	return set, true
}
