package eval

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/psantana5/data-flywheel/pkg/models"
)

// ScoreMessage compares a model's output message against the ground-truth
// message and returns a score in [0,1]. Tool-call responses are scored on
// function name and argument equivalence; free-text responses fall back to
// lexical token-F1 similarity (or the LLM judge, handled by the evaluator).
func ScoreMessage(got, want *models.ChatMessage) float64 {
	if want == nil || got == nil {
		return 0
	}
	if len(want.ToolCalls) > 0 {
		return scoreToolCalls(got.ToolCalls, want.ToolCalls)
	}
	return TokenF1(got.Content, want.Content)
}

// scoreToolCalls scores position-wise: name mismatch scores 0, a matching
// name with non-equivalent arguments scores 0.5, equivalent arguments score
// 1.0. The final score is the mean over the expected calls.
func scoreToolCalls(got, want []models.ToolCall) float64 {
	if len(got) == 0 {
		return 0
	}
	var sum float64
	for i, w := range want {
		if i >= len(got) {
			break
		}
		g := got[i]
		if g.Function.Name != w.Function.Name {
			continue
		}
		if argumentsEqual(g.Function.Arguments, w.Function.Arguments) {
			sum += 1.0
		} else {
			sum += 0.5
		}
	}
	// Extra calls the ground truth never made dilute the score
	denom := len(want)
	if len(got) > denom {
		denom = len(got)
	}
	return sum / float64(denom)
}

// argumentsEqual compares two JSON argument payloads structurally, so key
// order and whitespace differences don't matter
func argumentsEqual(a, b string) bool {
	if strings.TrimSpace(a) == strings.TrimSpace(b) {
		return true
	}
	var va, vb interface{}
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// TokenF1 computes a token-level F1 overlap between two texts. Identical
// texts score 1.0, disjoint texts 0.0.
func TokenF1(got, want string) float64 {
	gotTokens := tokenize(got)
	wantTokens := tokenize(want)
	if len(gotTokens) == 0 && len(wantTokens) == 0 {
		return 1.0
	}
	if len(gotTokens) == 0 || len(wantTokens) == 0 {
		return 0
	}

	wantCounts := make(map[string]int, len(wantTokens))
	for _, tok := range wantTokens {
		wantCounts[tok]++
	}
	overlap := 0
	for _, tok := range gotTokens {
		if wantCounts[tok] > 0 {
			wantCounts[tok]--
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	precision := float64(overlap) / float64(len(gotTokens))
	recall := float64(overlap) / float64(len(wantTokens))
	return 2 * precision * recall / (precision + recall)
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(strings.TrimSpace(s)))
}
