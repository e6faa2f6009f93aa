package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/umputun/qbridge/pkg/options"
)

// ErrEmptyQuery is returned for a query text without any statement
var ErrEmptyQuery = errors.New("empty query")

// query statements planned lazily, everything else is executed when submitted
var queryKeywords = []string{"SELECT", "WITH", "VALUES", "EXPLAIN"}

// Plan is an immutable, lazily evaluated query. Every materialization runs the query again
// over the tables it was planned against, even if they were deregistered or replaced since.
// A plan is safe for concurrent use.
type Plan struct {
	c      *Context
	query  string
	args   []any
	cols   []Column // all result columns, including hidden ones
	keep   []int    // indexes of visible result columns
	wrap   bool     // query can be used as a subquery
	tables []*catalogTable
	users  atomic.Int64
}

// SQL plans query with parameters. A query returning rows is run once for its result columns and
// kept for later evaluation, any other statement is executed right away and yields an empty plan.
func (c *Context) SQL(ctx context.Context, query string, params options.Params) (*Plan, error) {
	query = trimQuery(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	args, err := bindArgs(params)
	if err != nil {
		return nil, err
	}

	kw := firstKeyword(query)
	isQuery := false
	for _, k := range queryKeywords {
		if kw == k {
			isQuery = true
			break
		}
	}

	if !isQuery {
		c.mu.Lock()
		defer c.mu.Unlock()
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("can't execute %s statement: %w", strings.ToLower(kw), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			log.Printf("[DEBUG] %s statement executed, %d rows affected", strings.ToLower(kw), n)
		}
		if err := c.syncTables(ctx); err != nil {
			return nil, err
		}
		p := &Plan{c: c}
		p.users.Store(1)
		return p, nil
	}

	res := &Plan{c: c, query: query, args: args, wrap: kw != "EXPLAIN", tables: c.pin(query)}
	res.users.Store(1)
	if err := res.resolveColumns(ctx); err != nil {
		if e := res.Release(); e != nil {
			log.Printf("[WARN] can't release failed plan: %v", e)
		}
		return nil, err
	}
	log.Printf("[DEBUG] query planned, %d columns: %s", len(res.keep), query)
	return res, nil
}

// Retain adds a reference to the plan. It fails once the last reference was released.
func (p *Plan) Retain() error {
	for {
		n := p.users.Load()
		if n <= 0 {
			return errors.New("plan is released")
		}
		if p.users.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference, the last one lets the catalog drop deregistered tables the plan reads.
func (p *Plan) Release() error {
	n := p.users.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return errors.New("plan released too many times")
	}
	return p.c.unpin(p.tables)
}

// run executes q and passes the open rows to fn. Tables of the plan deregistered since
// it was made are exposed under their names by temporary views for the time of the query.
func (p *Plan) run(ctx context.Context, q string, fn func(rows *sql.Rows) error) error {
	c := p.c
	c.mu.RLock()
	if !p.readsHidden() {
		defer c.mu.RUnlock()
		rows, err := c.db.QueryContext(ctx, q, p.args...)
		if err != nil {
			return fmt.Errorf("can't execute query: %w", err)
		}
		defer rows.Close()
		return fn(rows)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("can't get catalog connection: %w", err)
	}
	defer conn.Close()

	var views []string
	defer func() {
		for _, v := range views {
			if _, err := conn.ExecContext(context.Background(), "DROP VIEW IF EXISTS temp."+quoteIdent(v)); err != nil {
				log.Printf("[WARN] can't drop temporary view %s: %v", v, err)
			}
		}
	}()
	for _, t := range p.tables {
		if !t.hidden {
			continue
		}
		if _, err := conn.ExecContext(ctx, "DROP VIEW IF EXISTS temp."+quoteIdent(t.name)); err != nil {
			return fmt.Errorf("can't expose table %s: %w", t.name, err)
		}
		stmt := fmt.Sprintf("CREATE TEMP VIEW %s AS SELECT * FROM main.%s", quoteIdent(t.name), quoteIdent(t.stored))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("can't expose table %s: %w", t.name, err)
		}
		views = append(views, t.name)
	}

	rows, err := conn.QueryContext(ctx, q, p.args...)
	if err != nil {
		return fmt.Errorf("can't execute query: %w", err)
	}
	defer rows.Close()
	return fn(rows)
}

// readsHidden checks if any table of the plan was deregistered, called with the catalog locked
func (p *Plan) readsHidden() bool {
	for _, t := range p.tables {
		if t.hidden {
			return true
		}
	}
	return false
}

// resolveColumns reads result columns and their types. Declared types come from the catalog,
// computed columns are typed from a sample of the result.
func (p *Plan) resolveColumns(ctx context.Context) error {
	return p.run(ctx, p.query, p.readColumns)
}

func (p *Plan) readColumns(rows *sql.Rows) error {
	names, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("can't get result columns: %w", err)
	}
	cts, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("can't get result column types: %w", err)
	}

	p.cols = make([]Column, len(names))
	declared := make([]bool, len(names))
	for i, name := range names {
		p.cols[i] = Column{Name: name, Type: options.TypeNull}
		if t, ok := typeOfDecl(cts[i].DatabaseTypeName()); ok {
			p.cols[i].Type, declared[i] = t, true
		}
		if name != emptyColumn {
			p.keep = append(p.keep, i)
		}
	}

	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for n := 0; n < p.c.cfg.InferRows && rows.Next(); n++ {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("can't read result: %w", err)
		}
		for i, v := range vals {
			if !declared[i] {
				p.cols[i].Type = widen(p.cols[i].Type, valueType(v))
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("can't evaluate query: %w", err)
	}
	return nil
}

// Columns returns the visible result columns.
func (p *Plan) Columns() []Column {
	res := make([]Column, len(p.keep))
	for i, k := range p.keep {
		res[i] = p.cols[k]
	}
	return res
}

// Schema returns the interchange schema of the result.
func (p *Plan) Schema() *arrow.Schema { return arrowSchema(p.Columns()) }

// Query returns the planned query text, empty for executed statements.
func (p *Plan) Query() string { return p.query }

// Count returns the number of rows in the result.
func (p *Plan) Count(ctx context.Context) (uint64, error) {
	if p.query == "" {
		return 0, nil
	}
	if p.wrap {
		var n int64
		err := p.run(ctx, "SELECT count(*) FROM ("+p.query+")", func(rows *sql.Rows) error {
			if !rows.Next() {
				if err := rows.Err(); err != nil {
					return err
				}
				return sql.ErrNoRows
			}
			return rows.Scan(&n)
		})
		if err != nil {
			return 0, fmt.Errorf("can't count rows: %w", err)
		}
		return uint64(n), nil //nolint:gosec // count is never negative
	}
	var n uint64
	err := p.Rows(ctx, 0, func([]any) error {
		n++
		return nil
	})
	return n, err
}

// Rows calls fn for every result row with values of visible columns converted to their column
// types (nil for null). Limit 0 means all rows. The row slice is reused between calls.
func (p *Plan) Rows(ctx context.Context, limit int, fn func(row []any) error) error {
	return p.rows(ctx, p.query, limit, fn)
}

func (p *Plan) rows(ctx context.Context, query string, limit int, fn func(row []any) error) error {
	if p.query == "" {
		return nil
	}
	return p.run(ctx, query, func(rows *sql.Rows) error {
		return p.scan(rows, limit, fn)
	})
}

// scan converts and passes up to limit rows to fn
func (p *Plan) scan(rows *sql.Rows, limit int, fn func(row []any) error) error {
	vals := make([]any, len(p.cols))
	ptrs := make([]any, len(p.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	row := make([]any, len(p.keep))
	for n := 0; (limit <= 0 || n < limit) && rows.Next(); n++ {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("can't read row %d: %w", n+1, err)
		}
		for i, k := range p.keep {
			v, err := typedValue(vals[k], p.cols[k].Type)
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", n+1, p.cols[k].Name, err)
			}
			row[i] = v
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("can't evaluate query: %w", err)
	}
	return nil
}

// sorted returns the query ordered by sort expressions
func (p *Plan) sorted(order options.SortOrder) (string, error) {
	if len(order) == 0 {
		return p.query, nil
	}
	if !p.wrap {
		return "", errors.New("can't sort the result of an explain statement")
	}
	exprs := make([]string, len(order))
	for i, e := range order {
		nulls := "NULLS LAST"
		if e.NullsFirst {
			nulls = "NULLS FIRST"
		}
		exprs[i] = e.Expr + " " + direction(e.Asc) + " " + nulls
	}
	return "SELECT * FROM (" + p.query + ") ORDER BY " + strings.Join(exprs, ", "), nil
}

// typedValue converts a value read from the catalog to the go type of the column type
func typedValue(v any, t options.ArrowType) (any, error) {
	if v == nil || t == options.TypeNull {
		return nil, nil
	}
	switch t {
	case options.TypeBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case float64:
			return val != 0, nil
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b, nil
			}
		}
	case options.TypeInt8, options.TypeInt16, options.TypeInt32, options.TypeInt64:
		if i, ok := integer(v); ok && fitsInt(i, t) {
			switch t {
			case options.TypeInt8:
				return int8(i), nil
			case options.TypeInt16:
				return int16(i), nil
			case options.TypeInt32:
				return int32(i), nil
			}
			return i, nil
		}
	case options.TypeUint8, options.TypeUint16, options.TypeUint32, options.TypeUint64:
		if i, ok := integer(v); ok {
			switch {
			case t == options.TypeUint64:
				return uint64(i), nil //nolint:gosec // stored bit pattern
			case fitsInt(i, t) && t == options.TypeUint8:
				return uint8(i), nil
			case fitsInt(i, t) && t == options.TypeUint16:
				return uint16(i), nil
			case fitsInt(i, t):
				return uint32(i), nil
			}
		}
	case options.TypeFloat32, options.TypeFloat64:
		var f float64
		ok := true
		switch val := v.(type) {
		case float64:
			f = val
		case int64:
			f = float64(val)
		case string:
			var err error
			f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
			ok = err == nil
		default:
			ok = false
		}
		if ok {
			if t == options.TypeFloat32 {
				return float32(f), nil
			}
			return f, nil
		}
	case options.TypeBinary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
		return []byte(formatValue(v)), nil
	default:
		return formatValue(v), nil
	}
	return nil, fmt.Errorf("can't read %v (%T) as %s", v, v, t)
}

// integer returns an integral catalog value, text is parsed
func integer(v any) (int64, bool) {
	switch val := v.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return i, err == nil
	case bool:
		return 0, false
	}
	return toInt64(v)
}

// bindArgs converts parameters to driver arguments
func bindArgs(params options.Params) ([]any, error) {
	if len(params.Named) > 0 {
		res := make([]any, len(params.Named))
		for i, p := range params.Named {
			v, err := bindValue(p.Value)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			res[i] = sql.Named(p.Name, v)
		}
		return res, nil
	}
	res := make([]any, len(params.Positional))
	for i, pv := range params.Positional {
		v, err := bindValue(pv)
		if err != nil {
			return nil, fmt.Errorf("parameter $%d: %w", i+1, err)
		}
		res[i] = v
	}
	return res, nil
}

func bindValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return val, nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		return bindValue(uint64(val))
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("value %d is out of the supported integer range", val)
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// trimQuery removes surrounding whitespace and trailing statement separators
func trimQuery(q string) string {
	q = strings.TrimSpace(q)
	for strings.HasSuffix(q, ";") {
		q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	}
	return q
}

// firstKeyword returns the first word of the statement, upper-cased, skipping comments and parens
func firstKeyword(q string) string {
	for {
		q = strings.TrimLeftFunc(q, func(r rune) bool { return unicode.IsSpace(r) || r == '(' })
		switch {
		case strings.HasPrefix(q, "--"):
			idx := strings.IndexByte(q, '\n')
			if idx < 0 {
				return ""
			}
			q = q[idx+1:]
			continue
		case strings.HasPrefix(q, "/*"):
			idx := strings.Index(q, "*/")
			if idx < 0 {
				return ""
			}
			q = q[idx+2:]
			continue
		}
		break
	}
	end := strings.IndexFunc(q, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(q)
	}
	return strings.ToUpper(q[:end])
}

// identifiers returns lower-cased words and quoted identifiers of a statement, keywords included.
// String literals and comments are skipped.
func identifiers(q string) []string {
	seen := map[string]bool{}
	res := []string{}
	add := func(s string) {
		s = strings.ToLower(s)
		if s != "" && !seen[s] {
			seen[s] = true
			res = append(res, s)
		}
	}
	for i := 0; i < len(q); {
		ch := q[i]
		switch {
		case ch == '\'':
			i = skipQuoted(q, i)
		case strings.HasPrefix(q[i:], "--"):
			idx := strings.IndexByte(q[i:], '\n')
			if idx < 0 {
				return res
			}
			i += idx + 1
		case strings.HasPrefix(q[i:], "/*"):
			idx := strings.Index(q[i+2:], "*/")
			if idx < 0 {
				return res
			}
			i += idx + 4
		case ch == '"' || ch == '`':
			end := skipQuoted(q, i)
			body := strings.TrimSuffix(q[i+1:end], string(ch))
			add(strings.ReplaceAll(body, string(ch)+string(ch), string(ch)))
			i = end
		case ch == '[':
			end := strings.IndexByte(q[i:], ']')
			if end < 0 {
				add(q[i+1:])
				return res
			}
			add(q[i+1 : i+end])
			i += end + 1
		case isIdentByte(ch) && (ch < '0' || ch > '9') && ch != '$':
			j := i + 1
			for j < len(q) && isIdentByte(q[j]) {
				j++
			}
			add(q[i:j])
			i = j
		default:
			i++
		}
	}
	return res
}

// skipQuoted returns the index after the quoted token starting at i, doubled quotes are escapes
func skipQuoted(q string, i int) int {
	quote := q[i]
	for j := i + 1; j < len(q); j++ {
		if q[j] != quote {
			continue
		}
		if j+1 < len(q) && q[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(q)
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || b >= 0x80 || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
