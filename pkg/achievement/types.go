package achievement

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CriterionKind tags one rule variant in the registry.
type CriterionKind string

const (
	KindThresholdReached CriterionKind = "threshold_reached"
	KindSetComplete      CriterionKind = "set_complete"
	KindRareItemFound    CriterionKind = "rare_item_found"
)

// NewCriterionKind validates a raw kind string against the built-in variants.
func NewCriterionKind(raw string) (CriterionKind, error) {
	kind := CriterionKind(strings.TrimSpace(raw))
	switch kind {
	case KindThresholdReached, KindSetComplete, KindRareItemFound:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCriterionKind, raw)
	}
}

// Snapshot is the data-store state a criterion is evaluated against:
// data key to opaque JSON value, as read at the triggering write.
type Snapshot map[string]json.RawMessage

// Metrics are the session counters accumulated by the session tracker.
type Metrics map[string]int64

// Reward is an optional currency credit attached to an achievement.
type Reward struct {
	CurrencyID string
	Amount     int64
}

// Definition is an externally configured achievement: a typed criterion plus
// an optional reward. Params are decoded by the criterion variant itself.
type Definition struct {
	AchievementID string
	Kind          CriterionKind
	Params        json.RawMessage
	Reward        *Reward
}

// UnlockDecision reports one achievement the current state satisfies.
type UnlockDecision struct {
	AchievementID string
	Reward        *Reward
}

// Problem reports a definition that could not be evaluated. Per the failure
// contract, a problem never fails the triggering write; it reads as "no unlock".
type Problem struct {
	AchievementID string
	Err           error
}

// Unlock is a recorded (instance, achievement) unlock row.
type Unlock struct {
	InstanceID        string
	AchievementID     string
	SessionID         string
	UnlockedAtUnixUTC int64
}

// Validate checks the definition shape before it enters the engine.
func (definition Definition) Validate() error {
	if strings.TrimSpace(definition.AchievementID) == "" {
		return fmt.Errorf("%w: empty achievement id", ErrInvalidDefinition)
	}
	if definition.Kind == "" {
		return fmt.Errorf("%w: empty criterion kind", ErrInvalidDefinition)
	}
	if definition.Reward != nil {
		if strings.TrimSpace(definition.Reward.CurrencyID) == "" {
			return fmt.Errorf("%w: empty currency id", ErrInvalidReward)
		}
		if definition.Reward.Amount <= 0 {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidReward)
		}
	}
	return nil
}
