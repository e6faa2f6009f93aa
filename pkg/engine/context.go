// Package engine is the analytical engine behind the bridge. Each Context owns a private
// in-memory SQLite catalog, tables are loaded from CSV, newline delimited JSON and Parquet
// files, queries are planned lazily and materialized as Arrow record batches, rendered
// text tables or written back to files.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// DefaultBatchSize is the number of rows per record batch when none is set.
const DefaultBatchSize = 8192

// emptyColumn is a placeholder column of tables loaded without any columns, hidden from results
const emptyColumn = "__qbridge_empty"

// hiddenPrefix starts names of catalog objects never listed as tables
const hiddenPrefix = "__qbridge_"

// visibleName is the sqlite_master condition selecting user visible objects
const visibleName = `name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name NOT LIKE '\_\_qbridge\_%' ESCAPE '\'`

// Config defines engine behavior shared by contexts.
type Config struct {
	BatchSize  int                         // rows per record batch in collected streams
	InferRows  int                         // rows sampled to type computed result columns
	ShowWriter io.Writer                   // destination of Show, stdout if nil
	Allocator  memory.Allocator            // allocator for record batches, go allocator if nil
	Blocking   func(fn func() error) error // runs file i/o, called inline if nil
	Loaders    int                         // max files of one table read concurrently
}

// Context is a session of the engine with its own table catalog. It is reference counted,
// the catalog is closed when the last reference is released.
type Context struct {
	id   string
	db   *sql.DB
	cfg  Config
	refs atomic.Int64

	mu     sync.RWMutex             // catalog changes and reads of hidden tables are exclusive
	tables map[string]*catalogTable // registered tables by lower-cased name
}

// catalogTable is a table of the catalog. Plans reading a table pin it, and a pinned table is
// hidden instead of dropped when deregistered, so the plans keep reading the same rows.
type catalogTable struct {
	name   string // registered name
	stored string // name in the catalog db, a hidden one after deregistration
	pins   int
	hidden bool
}

// NewContext makes a context with an empty catalog holding a single reference.
func NewContext(cfg Config) (*Context, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InferRows <= 0 {
		cfg.InferRows = 1000
	}
	if cfg.ShowWriter == nil {
		cfg.ShowWriter = os.Stdout
	}
	if cfg.Allocator == nil {
		cfg.Allocator = memory.NewGoAllocator()
	}
	if cfg.Blocking == nil {
		cfg.Blocking = func(fn func() error) error { return fn() }
	}
	if cfg.Loaders <= 0 {
		cfg.Loaders = 4
	}

	id := uuid.NewString()
	db, err := sql.Open("sqlite", "file:"+id+"?mode=memory")
	if err != nil {
		return nil, fmt.Errorf("can't open catalog: %w", err)
	}
	// in-memory catalog lives as long as its only connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't open catalog: %w", err)
	}
	// renames of hidden tables must not rewrite user views
	if _, err := db.Exec("PRAGMA legacy_alter_table = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't set up catalog: %w", err)
	}

	res := &Context{id: id, db: db, cfg: cfg, tables: map[string]*catalogTable{}}
	res.refs.Store(1)
	log.Printf("[DEBUG] engine context %s created", id)
	return res, nil
}

// ID returns the unique id of the context.
func (c *Context) ID() string { return c.id }

// Retain adds a reference. It fails once the last reference was released.
func (c *Context) Retain() error {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return fmt.Errorf("context %s is closed", c.id)
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference, the last one closes the catalog.
func (c *Context) Release() error {
	n := c.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("context %s released too many times", c.id)
	}
	log.Printf("[DEBUG] engine context %s closed", c.id)
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("can't close catalog of %s: %w", c.id, err)
	}
	return nil
}

// Refs returns the current number of references.
func (c *Context) Refs() int64 { return c.refs.Load() }

// Tables returns names of registered tables, sorted.
func (c *Context) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type IN ('table','view') AND "+
		visibleName+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("can't list tables: %w", err)
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("can't scan table name: %w", err)
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// TableExists checks if a table or view with the name is registered. Names are case-insensitive.
func (c *Context) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND "+
		visibleName+" AND name = ? COLLATE NOCASE", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("can't check table %s: %w", name, err)
	}
	return n > 0, nil
}

// Deregister removes a table from the catalog, unknown names are an error. A table read by
// live plans is only hidden and dropped when the last of them is released.
func (c *Context) Deregister(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(name)
	if t, ok := c.tables[key]; ok {
		delete(c.tables, key)
		if t.pins == 0 {
			if _, err := c.db.ExecContext(ctx, "DROP TABLE "+quoteIdent(t.stored)); err != nil {
				return fmt.Errorf("can't drop table %s: %w", name, err)
			}
			log.Printf("[DEBUG] table %s deregistered from %s", name, c.id)
			return nil
		}
		hidden := hiddenName()
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(t.stored), quoteIdent(hidden))); err != nil {
			c.tables[key] = t
			return fmt.Errorf("can't hide table %s: %w", name, err)
		}
		t.stored, t.hidden = hidden, true
		log.Printf("[DEBUG] table %s deregistered from %s, kept for %d plan(s)", name, c.id, t.pins)
		return nil
	}

	var kind string
	err := c.db.QueryRowContext(ctx, "SELECT type FROM sqlite_master WHERE type IN ('table','view') AND "+
		visibleName+" AND name = ? COLLATE NOCASE", name).Scan(&kind)
	if err == sql.ErrNoRows {
		return fmt.Errorf("table %s is not registered", name)
	}
	if err != nil {
		return fmt.Errorf("can't look up table %s: %w", name, err)
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP %s %s", strings.ToUpper(kind), quoteIdent(name))); err != nil {
		return fmt.Errorf("can't drop table %s: %w", name, err)
	}
	log.Printf("[DEBUG] table %s deregistered from %s", name, c.id)
	return nil
}

// pin marks catalog tables named in query as read by a plan
func (c *Context) pin(query string) []*catalogTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []*catalogTable
	for _, id := range identifiers(query) {
		if t, ok := c.tables[id]; ok {
			t.pins++
			res = append(res, t)
		}
	}
	return res
}

// unpin releases tables pinned by a plan, hidden tables nobody reads anymore are dropped
func (c *Context) unpin(tables []*catalogTable) error {
	if len(tables) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := new(multierror.Error)
	for _, t := range tables {
		t.pins--
		if t.pins > 0 || !t.hidden {
			continue
		}
		if _, err := c.db.Exec("DROP TABLE " + quoteIdent(t.stored)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't drop deregistered table %s: %w", t.name, err))
			continue
		}
		log.Printf("[DEBUG] deregistered table %s of %s dropped", t.name, c.id)
	}
	return errs.ErrorOrNil()
}

// addTable records a table created in the catalog, called with the catalog locked
func (c *Context) addTable(name string) {
	c.tables[strings.ToLower(name)] = &catalogTable{name: name, stored: name}
}

// syncTables updates the catalog after statements which may create, rename or drop tables,
// called with the catalog locked
func (c *Context) syncTables(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND "+visibleName)
	if err != nil {
		return fmt.Errorf("can't list tables: %w", err)
	}
	defer rows.Close()
	present := map[string]string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("can't scan table name: %w", err)
		}
		present[strings.ToLower(name)] = name
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("can't list tables: %w", err)
	}

	for key := range c.tables {
		if _, ok := present[key]; !ok {
			delete(c.tables, key)
		}
	}
	for key, name := range present {
		if _, ok := c.tables[key]; !ok {
			c.addTable(name)
		}
	}
	return nil
}

// hiddenName makes a unique name of a catalog object not listed as a table
func hiddenName() string {
	return hiddenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
