package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Parts discrimination tests
func TestParts_DiscriminatedUnion(t *testing.T) {
	parts := []Part{
		TextPart{Text: "hello"},
		FunctionCallPart{FunctionCall: FunctionCall{Name: "f"}},
		FunctionResponsePart{FunctionResponse: FunctionResponse{Name: "f"}},
	}
	for _, p := range parts {
		switch pt := p.(type) {
		case TextPart, FunctionCallPart, FunctionResponsePart:
		default:
			t.Fatalf("Unexpected part type: %T (%v)", pt, pt)
		}
	}
}

func TestContent_TextAndFunctionCalls(t *testing.T) {
	c := Content{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "let me "},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "1", Name: "sum"}},
		TextPart{Text: "check"},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "2", Name: "lookup"}},
	}}

	assert.Equal(t, "let me check", c.Text())
	calls := c.FunctionCalls()
	assert.Len(t, calls, 2)
	assert.Equal(t, "sum", calls[0].Name)
	assert.Equal(t, "lookup", calls[1].Name)

	assert.Empty(t, NewTextContent(RoleUser, "hi").FunctionCalls())
}

func TestNewID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
