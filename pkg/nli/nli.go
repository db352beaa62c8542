// Package nli provides natural-language-inference scoring over text pairs
// and the threshold logic that turns scores into contradiction verdicts.
//
// Two classifier modes exist: an external HTTP service and an in-process
// ONNX model (build tag "onnx"). Both return nil on failure; NLI is a
// best-effort stage and callers fall through to the LLM or the pending
// queue when it yields nothing.
package nli

import "context"

// Label is an entailment classification.
type Label string

const (
	LabelEntailment    Label = "entailment"
	LabelNeutral       Label = "neutral"
	LabelContradiction Label = "contradiction"
)

// Scores is the softmax distribution over the three labels.
type Scores struct {
	Entailment    float64 `json:"entailment"`
	Neutral       float64 `json:"neutral"`
	Contradiction float64 `json:"contradiction"`
}

// Result is a single classification of a (premise, hypothesis) pair.
type Result struct {
	Label  Label  `json:"label"`
	Scores Scores `json:"scores"`
}

// Classifier scores (premise, hypothesis) pairs. A nil result with a nil
// error means the classifier is unavailable; callers must treat that as
// "no opinion", not as neutral.
type Classifier interface {
	Classify(ctx context.Context, premise, hypothesis string) (*Result, error)
	Close() error
}

// Verdict is the outcome of the hybrid contradiction thresholds.
type Verdict struct {
	Contradicts     bool    `json:"contradicts"`
	Confidence      float64 `json:"confidence"`
	NeedsEscalation bool    `json:"needs_escalation"`
	Scores          Scores  `json:"scores"`
}

// DetectContradiction classifies the pair and applies the fixed threshold
// table. Returns nil when the classifier has no opinion.
//
//	contradiction >= 0.8                  -> contradicts, no escalation
//	entailment    >= 0.6                  -> clean, no escalation
//	contradiction >= 0.5                  -> contradicts, escalate
//	contradiction >= 0.2                  -> clean, escalate
//	otherwise                             -> clean, no escalation
func DetectContradiction(ctx context.Context, c Classifier, a, b string) (*Verdict, error) {
	if c == nil {
		return nil, nil
	}

	res, err := c.Classify(ctx, a, b)
	if err != nil || res == nil {
		return nil, err
	}

	s := res.Scores
	v := &Verdict{Confidence: s.Contradiction, Scores: s}

	switch {
	case s.Contradiction >= 0.8:
		v.Contradicts = true
	case s.Entailment >= 0.6:
		v.Confidence = s.Entailment
	case s.Contradiction >= 0.5:
		v.Contradicts = true
		v.NeedsEscalation = true
	case s.Contradiction >= 0.2:
		v.NeedsEscalation = true
	}

	return v, nil
}
