package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

// GeneratedQuery is the result of SQL generation.
type GeneratedQuery struct {
	SQL   string
	Usage storage.TokenUsage
}

// Generator turns natural-language questions into SQL using a schema
// snapshot as grounding context.
type Generator struct {
	completer Completer
	logger    *observability.Logger
}

// NewGenerator creates a SQL generator.
func NewGenerator(completer Completer, logger *observability.Logger) *Generator {
	return &Generator{
		completer: completer,
		logger:    logger,
	}
}

const generationSystemPrompt = `You are a PostgreSQL query writer. Given a database schema and a question, write a single SELECT statement that answers the question.

Rules:
- Output ONLY the SQL statement, in a fenced sql code block.
- Use only the tables and columns listed in the schema.
- Write exactly one statement. Never modify data.
- Prefer explicit JOINs and qualified column names.
- Use ILIKE for case-insensitive text matching.`

// GenerateSQL produces a SQL statement for the question. The raw model
// output is never returned verbatim; the statement is extracted from
// fenced output and trimmed.
func (g *Generator) GenerateSQL(ctx context.Context, question, schemaContext string) (*GeneratedQuery, error) {
	user := fmt.Sprintf("Database schema:\n\n%s\n\nQuestion: %s", schemaContext, question)

	completion, err := g.completer.Complete(ctx, generationSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("sql generation: %w", err)
	}

	sql := ExtractSQL(completion.Text)
	if sql == "" {
		return nil, fmt.Errorf("sql generation: model returned no SQL")
	}

	g.logger.Debug().
		Str("model", g.completer.Model()).
		Int("prompt_tokens", completion.PromptTokens).
		Int("completion_tokens", completion.CompletionTokens).
		Dur("latency", completion.Latency).
		Msg("generated sql")

	return &GeneratedQuery{
		SQL: sql,
		Usage: storage.TokenUsage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
			TotalTokens:      completion.PromptTokens + completion.CompletionTokens,
		},
	}, nil
}

var fencedSQL = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

// ExtractSQL pulls the SQL statement out of a model response. Fenced
// blocks win; otherwise the whole response is taken as-is. A single
// trailing semicolon is dropped so downstream single-statement checks
// see the bare statement.
func ExtractSQL(response string) string {
	sql := strings.TrimSpace(response)

	if m := fencedSQL.FindStringSubmatch(sql); m != nil {
		sql = strings.TrimSpace(m[1])
	}

	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}
