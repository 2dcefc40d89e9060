// Package training turns accumulated feedback into a fine-tuned adapter:
// it builds contrastive pairs from user verdicts, optimizes the adapter
// with AdamW against a binary cross-entropy head, and walks the artifact
// lifecycle (backup, register, promote, consume, re-embed).
package training

import (
	"fotopoisk/internal/feedback"
)

// trainFraction is the share of examples that goes to the training split;
// the rest validates. The split is by insertion order, never shuffled, so
// two runs over the same feedback see the same data.
const trainFraction = 0.8

// maxPairsPerSplit caps quadratic pair growth on large feedback sets.
// Construction is deterministic, so the cap keeps a stable prefix.
const maxPairsPerSplit = 20000

// loadedExample is a feedback example with its photo already embedded.
type loadedExample struct {
	ID     int64
	Kind   feedback.FeedbackKind
	ItemID string
	Vec    []float32
}

// pair is one contrastive training pair: two backbone photo vectors and
// whether they depict the same item.
type pair struct {
	X, Y  []float32
	Label float64
}

// splitExamples cuts examples 80/20 by insertion order. With at least two
// examples both splits are non-empty.
func splitExamples(examples []loadedExample) (train, val []loadedExample) {
	n := len(examples)
	if n == 0 {
		return nil, nil
	}
	cut := int(float64(n) * trainFraction)
	if cut == n && n > 1 {
		cut = n - 1
	}
	if cut < 1 {
		cut = 1
	}
	return examples[:cut], examples[cut:]
}

// buildPairs constructs contrastive pairs within one split. Positives are
// every pair of correct examples sharing a target item; negatives cross
// every correct example with every incorrect one, regardless of item.
func buildPairs(examples []loadedExample) []pair {
	var correct, incorrect []loadedExample
	for _, ex := range examples {
		switch ex.Kind {
		case feedback.KindCorrect:
			correct = append(correct, ex)
		case feedback.KindIncorrect:
			incorrect = append(incorrect, ex)
		}
	}

	pairs := make([]pair, 0, len(correct)*len(incorrect))
	for i := 0; i < len(correct) && len(pairs) < maxPairsPerSplit; i++ {
		for j := i + 1; j < len(correct) && len(pairs) < maxPairsPerSplit; j++ {
			if correct[i].ItemID != correct[j].ItemID {
				continue
			}
			pairs = append(pairs, pair{X: correct[i].Vec, Y: correct[j].Vec, Label: 1})
		}
	}
	for _, pos := range correct {
		for _, neg := range incorrect {
			if len(pairs) >= maxPairsPerSplit {
				return pairs
			}
			pairs = append(pairs, pair{X: pos.Vec, Y: neg.Vec, Label: 0})
		}
	}
	return pairs
}

// countLabels tallies positives and negatives for the history row.
func countLabels(pairs []pair) (positive, negative int) {
	for _, p := range pairs {
		if p.Label >= 0.5 {
			positive++
		} else {
			negative++
		}
	}
	return positive, negative
}
