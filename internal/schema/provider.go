// Package schema provides cached snapshots of the database schema used
// for SQL generation context and reference validation.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ask-e9y/query-engine/internal/observability"
)

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	Description string `json:"description,omitempty"`
}

// Table describes one table of the target schema.
type Table struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// Snapshot is a point-in-time view of the target schema.
type Snapshot struct {
	SchemaName string    `json:"schema_name"`
	Tables     []Table   `json:"tables"`
	LoadedAt   time.Time `json:"loaded_at"`

	tableIndex map[string]map[string]bool
}

// HasTable reports whether the snapshot contains the table.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.tableIndex[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether the table contains the column.
func (s *Snapshot) HasColumn(table, column string) bool {
	cols, ok := s.tableIndex[strings.ToLower(table)]
	if !ok {
		return false
	}
	return cols[strings.ToLower(column)]
}

// PromptContext renders the snapshot as generation context. One line
// per column keeps the prompt compact and diff-friendly.
func (s *Snapshot) PromptContext() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "TABLE %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, " -- %s", t.Description)
		}
		b.WriteString("\n")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  %s %s", c.Name, c.DataType)
			if c.Description != "" {
				fmt.Fprintf(&b, " -- %s", c.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Snapshot) buildIndex() {
	s.tableIndex = make(map[string]map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			cols[strings.ToLower(c.Name)] = true
		}
		s.tableIndex[strings.ToLower(t.Name)] = cols
	}
}

// Provider loads and caches schema snapshots. Snapshots refresh lazily
// once RefreshInterval has passed; concurrent readers share the cached
// copy.
type Provider struct {
	db              *sql.DB
	schemaName      string
	refreshInterval time.Duration
	logger          *observability.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
}

// ProviderConfig configures the provider.
type ProviderConfig struct {
	SchemaName      string
	RefreshInterval time.Duration
}

// NewProvider creates a schema provider.
func NewProvider(db *sql.DB, logger *observability.Logger, cfg ProviderConfig) *Provider {
	if cfg.SchemaName == "" {
		cfg.SchemaName = "public"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &Provider{
		db:              db,
		schemaName:      cfg.SchemaName,
		refreshInterval: cfg.RefreshInterval,
		logger:          logger,
	}
}

// Snapshot returns the current schema snapshot, refreshing it from the
// database when the cached copy has expired.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()

	if snap != nil && time.Since(snap.LoadedAt) < p.refreshInterval {
		return snap, nil
	}

	return p.Refresh(ctx)
}

// Refresh loads a fresh snapshot unconditionally. On failure the stale
// snapshot is kept so generation can continue through transient
// database errors.
func (p *Provider) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := p.load(ctx)
	if err != nil {
		p.mu.RLock()
		stale := p.snapshot
		p.mu.RUnlock()
		if stale != nil {
			p.logger.Warn().Err(err).Msg("schema refresh failed, serving stale snapshot")
			return stale, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()

	p.logger.Debug().
		Str("schema", p.schemaName).
		Int("tables", len(snap.Tables)).
		Msg("schema snapshot refreshed")

	return snap, nil
}

const columnsQuery = `
	SELECT
		c.table_name,
		c.column_name,
		c.data_type,
		COALESCE(obj_description(pgc.oid), '') AS table_comment,
		COALESCE(col_description(pgc.oid, c.ordinal_position), '') AS column_comment
	FROM information_schema.columns c
	JOIN pg_catalog.pg_class pgc
		ON pgc.relname = c.table_name
	JOIN pg_catalog.pg_namespace pgn
		ON pgn.oid = pgc.relnamespace AND pgn.nspname = c.table_schema
	WHERE c.table_schema = $1
	ORDER BY c.table_name, c.ordinal_position`

func (p *Provider) load(ctx context.Context) (*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, columnsQuery, p.schemaName)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{
		SchemaName: p.schemaName,
		LoadedAt:   time.Now(),
	}

	var current *Table
	for rows.Next() {
		var tableName, columnName, dataType, tableComment, columnComment string
		if err := rows.Scan(&tableName, &columnName, &dataType, &tableComment, &columnComment); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}

		if current == nil || current.Name != tableName {
			snap.Tables = append(snap.Tables, Table{
				Name:        tableName,
				Description: tableComment,
			})
			current = &snap.Tables[len(snap.Tables)-1]
		}

		current.Columns = append(current.Columns, Column{
			Name:        columnName,
			DataType:    dataType,
			Description: columnComment,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows: %w", err)
	}

	if len(snap.Tables) == 0 {
		return nil, fmt.Errorf("schema %q has no tables", p.schemaName)
	}

	snap.buildIndex()
	return snap, nil
}

// NewStaticSnapshot builds a snapshot from in-memory tables. Used by
// tests and by deployments that pin the schema instead of introspecting
// it.
func NewStaticSnapshot(schemaName string, tables []Table) *Snapshot {
	snap := &Snapshot{
		SchemaName: schemaName,
		Tables:     tables,
		LoadedAt:   time.Now(),
	}
	snap.buildIndex()
	return snap
}
