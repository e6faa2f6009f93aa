package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/umputun/qbridge/pkg/options"
)

// csvField is a raw field value, quoted fields are never treated as null by default
type csvField struct {
	val    string
	quoted bool
}

// csvReader splits delimited text into records with configurable delimiter, quote,
// escape, terminator and comment characters.
type csvReader struct {
	r    *bufio.Reader
	opts options.CSVRead
	line int
}

func newCSVReader(r io.Reader, opts options.CSVRead) *csvReader {
	return &csvReader{r: bufio.NewReader(r), opts: opts, line: 1}
}

// next returns the next record or io.EOF. Empty lines are skipped.
func (c *csvReader) next() ([]csvField, error) {
	var fields []csvField
	var buf strings.Builder
	inQuotes, quoted, started := false, false, false

	finish := func() {
		fields = append(fields, csvField{val: buf.String(), quoted: quoted})
		buf.Reset()
		quoted, started = false, false
	}
	atStart := func() bool { return len(fields) == 0 && !started && buf.Len() == 0 }

	for {
		b, err := c.r.ReadByte()
		if errors.Is(err, io.EOF) {
			if inQuotes {
				return nil, fmt.Errorf("line %d: unterminated quoted field", c.line)
			}
			if atStart() {
				return nil, io.EOF
			}
			finish()
			return fields, nil
		}
		if err != nil {
			return nil, err
		}

		if inQuotes {
			switch {
			case c.opts.Escape != 0 && b == c.opts.Escape && c.opts.Escape != c.opts.Quote:
				nb, err := c.r.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("line %d: escape at end of input", c.line)
				}
				buf.WriteByte(nb)
			case b == c.opts.Quote:
				if nb, err := c.r.Peek(1); err == nil && nb[0] == c.opts.Quote {
					_, _ = c.r.ReadByte()
					buf.WriteByte(b)
					continue
				}
				inQuotes = false
			case b == '\n' || b == '\r' || (c.opts.Terminator != 0 && b == c.opts.Terminator):
				if !c.opts.NewlinesInValues {
					return nil, fmt.Errorf("line %d: line break inside quoted value, newlines_in_values is not enabled", c.line)
				}
				if b == '\n' {
					c.line++
				}
				buf.WriteByte(b)
			default:
				buf.WriteByte(b)
			}
			continue
		}

		switch {
		case b == c.opts.Quote && buf.Len() == 0 && !quoted:
			inQuotes, quoted, started = true, true, true
		case c.opts.Escape != 0 && b == c.opts.Escape && c.opts.Escape != c.opts.Quote:
			nb, err := c.r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("line %d: escape at end of input", c.line)
			}
			buf.WriteByte(nb)
			started = true
		case b == c.opts.Delimiter:
			finish()
		case c.isTerminator(b):
			c.line++
			if atStart() {
				continue
			}
			finish()
			return fields, nil
		case c.opts.Comment != 0 && b == c.opts.Comment && atStart():
			if _, err := c.r.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			c.line++
		default:
			buf.WriteByte(b)
			started = true
		}
	}
}

func (c *csvReader) isTerminator(b byte) bool {
	if c.opts.Terminator != 0 {
		return b == c.opts.Terminator
	}
	if b == '\r' {
		if nb, err := c.r.Peek(1); err == nil && nb[0] == '\n' {
			_, _ = c.r.ReadByte()
		}
		return true
	}
	return b == '\n'
}

// csvData is the raw content of one csv file
type csvData struct {
	header  []string
	records [][]csvField
}

func readCSV(r io.Reader, opts options.CSVRead) (*csvData, error) {
	cr := newCSVReader(r, opts)
	res := &csvData{}
	for {
		rec, err := cr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if opts.HasHeader && res.header == nil {
			res.header = make([]string, len(rec))
			for i, f := range rec {
				res.header[i] = f.val
			}
			continue
		}
		res.records = append(res.records, rec)
	}
	return res, nil
}

// csvNulls decides which raw fields are null
type csvNulls struct {
	re *regexp.Regexp
}

func newCSVNulls(expr string) (*csvNulls, error) {
	if expr == "" {
		return &csvNulls{}, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("can't compile null regex: %w", err)
	}
	return &csvNulls{re: re}, nil
}

func (n *csvNulls) isNull(f csvField) bool {
	if n.re != nil {
		return n.re.MatchString(f.val)
	}
	return f.val == "" && !f.quoted
}

// inferCSVTypes picks the narrowest of bool, int64, float64 and utf8 fitting all sampled values
func inferCSVTypes(width int, records [][]csvField, nulls *csvNulls) []options.ArrowType {
	type flags struct{ seen, notBool, notInt, notFloat bool }
	st := make([]flags, width)
	for _, rec := range records {
		for i := 0; i < width && i < len(rec); i++ {
			f := rec[i]
			if nulls.isNull(f) || f.val == "" {
				continue
			}
			st[i].seen = true
			if v := strings.TrimSpace(f.val); !strings.EqualFold(v, "true") && !strings.EqualFold(v, "false") {
				st[i].notBool = true
			}
			if _, err := parseValue(f.val, options.TypeInt64); err != nil {
				st[i].notInt = true
			}
			if _, err := parseValue(f.val, options.TypeFloat64); err != nil {
				st[i].notFloat = true
			}
		}
	}

	res := make([]options.ArrowType, width)
	for i, s := range st {
		switch {
		case !s.seen:
			res[i] = options.TypeUtf8
		case !s.notBool:
			res[i] = options.TypeBool
		case !s.notInt:
			res[i] = options.TypeInt64
		case !s.notFloat:
			res[i] = options.TypeFloat64
		default:
			res[i] = options.TypeUtf8
		}
	}
	return res
}

// csvWriter writes delimited text with configurable quoting
type csvWriter struct {
	w    *bufio.Writer
	opts options.CSVWrite
	term string
}

func newCSVWriter(w io.Writer, opts options.CSVWrite) *csvWriter {
	term := "\n"
	if opts.Terminator != 0 {
		term = string(opts.Terminator)
	}
	return &csvWriter{w: bufio.NewWriter(w), opts: opts, term: term}
}

func (c *csvWriter) write(fields []string, nulls []bool) error {
	for i, f := range fields {
		if i > 0 {
			if err := c.w.WriteByte(c.opts.Delimiter); err != nil {
				return err
			}
		}
		if nulls != nil && nulls[i] {
			if _, err := c.w.WriteString(c.opts.NullValue); err != nil {
				return err
			}
			continue
		}
		if _, err := c.w.WriteString(c.quote(f)); err != nil {
			return err
		}
	}
	_, err := c.w.WriteString(c.term)
	return err
}

func (c *csvWriter) quote(s string) string {
	needs := (s == "" && c.opts.NullValue == "") || strings.ContainsAny(s, string([]byte{c.opts.Delimiter, c.opts.Quote, '\n', '\r'}))
	if c.opts.Terminator != 0 && strings.IndexByte(s, c.opts.Terminator) >= 0 {
		needs = true
	}
	if !needs {
		return s
	}
	q := string(c.opts.Quote)
	esc := q + q
	if !c.opts.DoubleQuote || c.opts.Escape != 0 {
		e := c.opts.Escape
		if e == 0 {
			e = '\\'
		}
		esc = string(e) + q
		if e != c.opts.Quote {
			s = strings.ReplaceAll(s, string(e), string(e)+string(e))
		}
	}
	return q + strings.ReplaceAll(s, q, esc) + q
}

func (c *csvWriter) flush() error { return c.w.Flush() }
