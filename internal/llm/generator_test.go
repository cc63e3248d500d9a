package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-e9y/query-engine/internal/observability"
)

// fakeCompleter returns a canned completion.
type fakeCompleter struct {
	response string
	err      error
	calls    int
	lastUser string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (*Completion, error) {
	f.calls++
	f.lastUser = user
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{
		Text:             f.response,
		PromptTokens:     100,
		CompletionTokens: 20,
	}, nil
}

func (f *fakeCompleter) Model() string { return "fake-model" }

func TestExtractSQL(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{
			name:     "fenced sql block",
			response: "```sql\nSELECT * FROM member\n```",
			want:     "SELECT * FROM member",
		},
		{
			name:     "fenced without language tag",
			response: "```\nSELECT 1\n```",
			want:     "SELECT 1",
		},
		{
			name:     "bare statement",
			response: "SELECT count(*) FROM organization",
			want:     "SELECT count(*) FROM organization",
		},
		{
			name:     "surrounding prose",
			response: "Here is the query:\n```sql\nSELECT id FROM member\n```\nLet me know if you need changes.",
			want:     "SELECT id FROM member",
		},
		{
			name:     "trailing semicolon dropped",
			response: "SELECT 1;",
			want:     "SELECT 1",
		},
		{
			name:     "multiline statement",
			response: "```sql\nSELECT m.id\nFROM member m\nWHERE m.id = 1\n```",
			want:     "SELECT m.id\nFROM member m\nWHERE m.id = 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSQL(tt.response))
		})
	}
}

func TestGenerateSQL(t *testing.T) {
	completer := &fakeCompleter{response: "```sql\nSELECT count(*) FROM member\n```"}
	gen := NewGenerator(completer, observability.DefaultLogger())

	result, err := gen.GenerateSQL(context.Background(), "how many members", "TABLE member\n  id integer\n")
	require.NoError(t, err)

	assert.Equal(t, "SELECT count(*) FROM member", result.SQL)
	assert.Equal(t, 100, result.Usage.PromptTokens)
	assert.Equal(t, 20, result.Usage.CompletionTokens)
	assert.Equal(t, 120, result.Usage.TotalTokens)
	assert.Contains(t, completer.lastUser, "how many members")
	assert.Contains(t, completer.lastUser, "TABLE member")
}

func TestGenerateSQLEmptyResponse(t *testing.T) {
	completer := &fakeCompleter{response: "```sql\n\n```"}
	gen := NewGenerator(completer, observability.DefaultLogger())

	_, err := gen.GenerateSQL(context.Background(), "question", "schema")
	assert.Error(t, err)
}

func TestExplain(t *testing.T) {
	completer := &fakeCompleter{response: "This counts how many members exist."}
	explainer := NewExplainer(completer, observability.DefaultLogger())

	result, err := explainer.Explain(context.Background(), "how many members", "SELECT count(*) FROM member")
	require.NoError(t, err)
	assert.Equal(t, "This counts how many members exist.", result.Text)
	assert.Equal(t, 120, result.Usage.TotalTokens)
}
