package detector

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed probe.js
var probeScript string

// ProbeScript returns the read-only document probe.
func ProbeScript() string { return probeScript }

// Evaluator runs a read-only script in the live document and returns its
// textual result. The session host implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, js string) (string, error)
}

// Oracle answers "what does the session look like right now".
type Oracle interface {
	Observe(ctx context.Context) (Classification, error)
}

// ScriptOracle evaluates the probe script through an Evaluator.
type ScriptOracle struct {
	eval       Evaluator
	classifier Classifier
}

// NewScriptOracle uses HeuristicClassifier when c is nil.
func NewScriptOracle(eval Evaluator, c Classifier) *ScriptOracle {
	if c == nil {
		c = HeuristicClassifier{}
	}
	return &ScriptOracle{eval: eval, classifier: c}
}

func (o *ScriptOracle) Observe(ctx context.Context) (Classification, error) {
	raw, err := o.eval.Evaluate(ctx, probeScript)
	if err != nil {
		return Classification{}, fmt.Errorf("probe: %w", err)
	}
	var sig Signals
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return Classification{}, fmt.Errorf("probe result: %w", err)
	}
	return o.classifier.Classify(sig), nil
}
