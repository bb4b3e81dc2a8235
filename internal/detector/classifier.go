// Package detector classifies the live Messages for Web document as paired
// or unpaired and reports edge-triggered transitions.
package detector

import (
	"math"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
)

// Signals is what the probe script found in the document.
type Signals struct {
	Ready                  bool     `json:"ready"`
	URL                    string   `json:"url"`
	QRIndicators           int      `json:"qr"`
	QRMatches              []string `json:"qrMatches,omitempty"`
	ConversationIndicators int      `json:"conversations"`
	ConversationMatches    []string `json:"conversationMatches,omitempty"`
	TextHint               bool     `json:"textHint"`
}

// Classification is a state plus how sure the classifier is, in [0,1].
type Classification struct {
	State      pairing.State `json:"state"`
	Confidence float64       `json:"confidence"`
	Signals    Signals       `json:"signals"`
}

// Classifier turns raw signals into a Classification.
type Classifier interface {
	Classify(s Signals) Classification
}

// HeuristicClassifier applies the pairing rule: paired only with positive
// conversation evidence and no QR evidence. Everything else is unpaired.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(s Signals) Classification {
	c := Classification{Signals: s}
	if !s.Ready {
		c.State = pairing.StateError
		return c
	}

	qrFound := s.QRIndicators > 0
	convFound := s.ConversationIndicators > 0

	switch {
	case convFound && !qrFound:
		c.State = pairing.StatePaired
		c.Confidence = math.Min(0.5+0.15*float64(s.ConversationIndicators), 0.95)
		if s.TextHint {
			c.Confidence = math.Max(c.Confidence-0.1, 0.5)
		}
	case qrFound:
		c.State = pairing.StateUnpaired
		c.Confidence = 0.9
	case s.TextHint:
		c.State = pairing.StateUnpaired
		c.Confidence = 0.6
	default:
		// no evidence either way
		c.State = pairing.StateUnpaired
		c.Confidence = 0.3
	}
	return c
}
