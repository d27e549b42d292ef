package achievement

// Engine evaluates achievement definitions against game state. Evaluation is
// pure: committing unlocks and rewards is the caller's transactional concern.
type Engine struct {
	registry *Registry
}

// NewEngine wires an Engine; a nil registry gets the built-in variants.
func NewEngine(registry *Registry) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{registry: registry}
}

// Evaluation is the outcome of one evaluation pass. Problems carry definitions
// that could not be evaluated; they read as "no unlock" and never fail the
// triggering write.
type Evaluation struct {
	Unlocks  []UnlockDecision
	Problems []Problem
}

// Evaluate checks every definition against the snapshot and metrics,
// skipping achievements already unlocked for the instance.
func (engine *Engine) Evaluate(definitions []Definition, alreadyUnlocked map[string]struct{}, state Snapshot, metrics Metrics) Evaluation {
	var evaluation Evaluation
	for _, definition := range definitions {
		if _, unlocked := alreadyUnlocked[definition.AchievementID]; unlocked {
			continue
		}
		if err := definition.Validate(); err != nil {
			evaluation.Problems = append(evaluation.Problems, Problem{AchievementID: definition.AchievementID, Err: err})
			continue
		}
		criterion, err := engine.registry.Build(definition.Kind, definition.Params)
		if err != nil {
			evaluation.Problems = append(evaluation.Problems, Problem{AchievementID: definition.AchievementID, Err: err})
			continue
		}
		if criterion.Evaluate(state, metrics) {
			evaluation.Unlocks = append(evaluation.Unlocks, UnlockDecision{
				AchievementID: definition.AchievementID,
				Reward:        definition.Reward,
			})
		}
	}
	return evaluation
}
