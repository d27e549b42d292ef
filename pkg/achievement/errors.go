package achievement

import "errors"

// Domain-level error values returned by the achievement engine.
var (
	ErrUnknownCriterionKind = errors.New("unknown criterion kind")
	ErrInvalidCriterion     = errors.New("invalid criterion definition")
	ErrInvalidDefinition    = errors.New("invalid achievement definition")
	ErrInvalidReward        = errors.New("invalid achievement reward")
)
