package eval

import (
	"testing"

	"github.com/psantana5/data-flywheel/pkg/models"
)

func TestTokenF1(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
		min  float64
		max  float64
	}{
		{"Identical", "the answer is 42", "the answer is 42", 1.0, 1.0},
		{"CaseInsensitive", "The Answer", "the answer", 1.0, 1.0},
		{"Disjoint", "apples oranges", "network latency", 0.0, 0.0},
		{"PartialOverlap", "the answer is 42", "the answer is 43", 0.5, 0.99},
		{"BothEmpty", "", "", 1.0, 1.0},
		{"OneEmpty", "something", "", 0.0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := TokenF1(tt.got, tt.want)
			if score < tt.min || score > tt.max {
				t.Errorf("TokenF1(%q, %q) = %f, want in [%f, %f]", tt.got, tt.want, score, tt.min, tt.max)
			}
		})
	}
}

func toolCallMsg(name, args string) *models.ChatMessage {
	return &models.ChatMessage{
		Role: "assistant",
		ToolCalls: []models.ToolCall{
			{Type: "function", Function: models.FunctionCall{Name: name, Arguments: args}},
		},
	}
}

func TestScoreMessageToolCalls(t *testing.T) {
	want := toolCallMsg("get_weather", `{"city":"Madrid","unit":"celsius"}`)

	t.Run("ExactArguments", func(t *testing.T) {
		got := toolCallMsg("get_weather", `{"city":"Madrid","unit":"celsius"}`)
		if s := ScoreMessage(got, want); s != 1.0 {
			t.Errorf("score = %f, want 1.0", s)
		}
	})

	t.Run("ReorderedKeysStillEqual", func(t *testing.T) {
		got := toolCallMsg("get_weather", `{"unit": "celsius", "city": "Madrid"}`)
		if s := ScoreMessage(got, want); s != 1.0 {
			t.Errorf("score = %f, want 1.0 for structurally equal args", s)
		}
	})

	t.Run("NameMatchArgsDiffer", func(t *testing.T) {
		got := toolCallMsg("get_weather", `{"city":"Paris","unit":"celsius"}`)
		if s := ScoreMessage(got, want); s != 0.5 {
			t.Errorf("score = %f, want 0.5", s)
		}
	})

	t.Run("WrongFunction", func(t *testing.T) {
		got := toolCallMsg("get_forecast", `{"city":"Madrid","unit":"celsius"}`)
		if s := ScoreMessage(got, want); s != 0.0 {
			t.Errorf("score = %f, want 0.0", s)
		}
	})

	t.Run("NoToolCallWhenExpected", func(t *testing.T) {
		got := &models.ChatMessage{Role: "assistant", Content: "The weather in Madrid is sunny"}
		if s := ScoreMessage(got, want); s != 0.0 {
			t.Errorf("score = %f, want 0.0", s)
		}
	})
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    float64
		wantErr bool
	}{
		{"BareNumber", "8", 8, false},
		{"Decimal", "7.5", 7.5, false},
		{"WrappedInProse", "I would rate this answer a 9 out of 10.", 9, false},
		{"ClampedHigh", "15", 10, false},
		{"NoNumber", "very similar", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRating(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRating(%q) error = %v, wantErr %v", tt.content, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseRating(%q) = %f, want %f", tt.content, got, tt.want)
			}
		})
	}
}
