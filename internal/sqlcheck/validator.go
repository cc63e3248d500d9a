// Package sqlcheck statically validates generated SQL before it is
// allowed anywhere near the database.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ask-e9y/query-engine/internal/schema"
)

// Rejection is a validation failure with a reason suitable for showing
// to the end user.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// forbiddenVerbs are statement types that must never reach execution,
// matched as whole words anywhere in the statement. CTE names and
// string literals are stripped first so they cannot false-positive.
var forbiddenVerbs = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|TRUNCATE|ALTER|CREATE|GRANT|REVOKE|COPY|VACUUM|ANALYZE|REINDEX|CLUSTER|LISTEN|NOTIFY|PREPARE|EXECUTE|DEALLOCATE|SET|RESET|DO|CALL|MERGE|LOCK|COMMENT|SECURITY)\b`)

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLit    = regexp.MustCompile(`'(?:[^']|'')*'`)

	tableRef = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	colRef   = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)\b`)
	cteName  = regexp.MustCompile(`(?i)(?:\bWITH\s+|,\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*\(`)

	aliasRef = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_.]*)(?:\s+AS)?\s+([a-zA-Z_][a-zA-Z0-9_]*)\b`)
)

// sqlKeywords are words that look like aliases to the regexes but are
// not. Kept small; only the ones that actually follow a table name.
var sqlKeywords = map[string]bool{
	"on": true, "where": true, "join": true, "inner": true, "left": true,
	"right": true, "full": true, "cross": true, "group": true, "order": true,
	"limit": true, "having": true, "union": true, "intersect": true,
	"except": true, "natural": true, "using": true, "offset": true,
}

// Validator checks that generated SQL is a single read-only SELECT that
// references only known tables and columns.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns nil if the statement is safe to execute, or a
// *Rejection describing why it is not. Database errors never occur
// here; validation is purely static.
func (v *Validator) Validate(sqlText string, snap *schema.Snapshot) error {
	cleaned := stripComments(sqlText)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSuffix(cleaned, ";")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return reject("the generated query was empty")
	}

	// Statement chaining is an injection vector even when every piece
	// looks harmless.
	noStrings := stringLit.ReplaceAllString(cleaned, "''")
	if strings.Contains(noStrings, ";") {
		return reject("only a single statement is allowed")
	}

	upper := strings.ToUpper(cleaned)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return reject("only SELECT queries are allowed")
	}

	if m := forbiddenVerbs.FindString(noStrings); m != "" {
		return reject("the query contains a forbidden operation: %s", strings.ToUpper(m))
	}

	if snap != nil {
		if err := checkReferences(noStrings, snap); err != nil {
			return err
		}
	}

	return nil
}

// checkReferences verifies every table and qualified column against the
// schema snapshot. Aliases and CTE names are collected first so they
// are not mistaken for unknown tables.
func checkReferences(sqlText string, snap *schema.Snapshot) error {
	known := map[string]bool{}

	for _, m := range cteName.FindAllStringSubmatch(sqlText, -1) {
		known[strings.ToLower(m[1])] = true
	}
	for _, m := range aliasRef.FindAllStringSubmatch(sqlText, -1) {
		alias := strings.ToLower(m[2])
		if !sqlKeywords[alias] {
			known[alias] = true
		}
	}

	for _, m := range tableRef.FindAllStringSubmatch(sqlText, -1) {
		name := strings.ToLower(m[1])
		// Strip a schema qualifier if present.
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if known[name] {
			continue
		}
		if !snap.HasTable(name) {
			return reject("the query references a table that does not exist: %s", name)
		}
	}

	for _, m := range colRef.FindAllStringSubmatch(sqlText, -1) {
		table := strings.ToLower(m[1])
		column := strings.ToLower(m[2])
		if known[table] && !snap.HasTable(table) {
			// Alias or CTE; column resolution would need a full parser.
			continue
		}
		if !snap.HasTable(table) {
			continue
		}
		if !snap.HasColumn(table, column) {
			return reject("the query references a column that does not exist: %s.%s", table, column)
		}
	}

	return nil
}

func stripComments(sqlText string) string {
	out := blockComment.ReplaceAllString(sqlText, " ")
	out = lineComment.ReplaceAllString(out, " ")
	return out
}
