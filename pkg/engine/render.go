package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// emptyTable is the rendering of a result without columns
const emptyTable = "++\n++"

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// Show renders up to limit rows (all rows for 0) and writes the table to the show writer.
func (p *Plan) Show(ctx context.Context, limit int) error {
	s, err := p.render(ctx, limit)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(p.c.cfg.ShowWriter, s); err != nil {
		return fmt.Errorf("can't write table: %w", err)
	}
	return nil
}

// ToString renders the whole result as a text table.
func (p *Plan) ToString(ctx context.Context) (string, error) {
	return p.render(ctx, 0)
}

func (p *Plan) render(ctx context.Context, limit int) (string, error) {
	cols := p.Columns()
	if len(cols) == 0 {
		return emptyTable, nil
	}
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.Name
	}

	var rows [][]string
	err := p.Rows(ctx, limit, func(row []any) error {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = renderValue(v)
		}
		rows = append(rows, rec)
		return nil
	})
	if err != nil {
		return "", err
	}

	t := table.New().
		Border(lipgloss.ASCIIBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(_, _ int) lipgloss.Style { return cellStyle })
	return t.Render(), nil
}

// renderValue formats a typed value for a table cell, null is empty
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ReplaceAll(val, "\n", "\\n")
	case []byte:
		return fmt.Sprintf("%x", val)
	case float32, float64, bool, int64:
		return formatValue(val)
	}
	return fmt.Sprint(v)
}
