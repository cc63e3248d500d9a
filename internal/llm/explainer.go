package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// Explanation is a plain-language description of a SQL statement.
type Explanation struct {
	Text  string
	Usage storage.TokenUsage
}

// Explainer produces plain-language explanations of generated SQL.
type Explainer struct {
	completer Completer
	logger    *observability.Logger
}

// NewExplainer creates an explainer.
func NewExplainer(completer Completer, logger *observability.Logger) *Explainer {
	return &Explainer{
		completer: completer,
		logger:    logger,
	}
}

const explanationSystemPrompt = `You explain SQL queries to non-technical users. Given a question and the SQL that answers it, describe in two or three sentences what the query does and what the results mean. Do not mention SQL syntax or table names unless necessary. Output plain text only.`

// Explain describes what the SQL does in terms of the original question.
func (e *Explainer) Explain(ctx context.Context, question, sql string) (*Explanation, error) {
	user := fmt.Sprintf("Question: %s\n\nSQL:\n%s", question, sql)

	completion, err := e.completer.Complete(ctx, explanationSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("explanation: %w", err)
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return nil, fmt.Errorf("explanation: model returned empty text")
	}

	e.logger.Debug().
		Str("model", e.completer.Model()).
		Dur("latency", completion.Latency).
		Msg("generated explanation")

	return &Explanation{
		Text: text,
		Usage: storage.TokenUsage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.PromptTokens + completion.CompletionTokens,
		},
	}, nil
}
