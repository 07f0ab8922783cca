package query

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/askdb/askdb/pkg/sdk"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// NullMarker is printed for absent and null values.
const NullMarker = "null"

// Format selects how results are printed.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// Formats lists the accepted output formats.
var Formats = []Format{FormatTable, FormatJSON, FormatCSV, FormatMarkdown}

// ParseFormat accepts a format name; "md" is an alias for markdown.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatCSV, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want one of table, json, csv, markdown)", s)
	}
}

// RenderOptions controls Render.
type RenderOptions struct {
	Format Format
	// Color styles the null marker in table output.
	Color bool
	// ShowSQL prints the generated SQL above the rows.
	ShowSQL bool
}

// Render writes res to w.
func Render(w io.Writer, res *sdk.QueryResult, opts RenderOptions) error {
	if res == nil {
		return ErrNoResult
	}
	switch opts.Format {
	case FormatJSON:
		return renderJSON(w, res)
	case FormatCSV, FormatMarkdown, FormatTable, "":
	default:
		return fmt.Errorf("unknown output format %q", opts.Format)
	}

	if opts.ShowSQL && opts.Format != FormatCSV {
		_, _ = fmt.Fprintf(w, "%s\n\n", res.SQL)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(res.ColumnNames))
	for i, col := range res.ColumnNames {
		header[i] = col
	}
	t.AppendHeader(header)

	null := NullMarker
	if opts.Color && opts.Format != FormatCSV && opts.Format != FormatMarkdown {
		null = text.Colors{text.Italic, text.FgHiBlack}.Sprint(NullMarker)
	}
	for _, r := range res.Rows {
		row := make(table.Row, len(res.ColumnNames))
		for i, col := range res.ColumnNames {
			row[i] = formatValue(r, col, null)
		}
		t.AppendRow(row)
	}

	switch opts.Format {
	case FormatCSV:
		t.RenderCSV()
		return nil
	case FormatMarkdown:
		t.RenderMarkdown()
	default:
		if len(res.Rows) == 0 {
			_, _ = fmt.Fprintln(w, "(0 rows)")
		} else {
			t.Render()
		}
	}
	_, _ = fmt.Fprintln(w, Summary(res))
	return nil
}

// Summary is the one-line footer under a result.
func Summary(res *sdk.QueryResult) string {
	ms := strconv.FormatFloat(res.ExecutionTimeMS, 'f', -1, 64)
	return fmt.Sprintf("%sms execution • %d rows found", ms, res.RowCount())
}

func formatValue(r sdk.Row, col, null string) string {
	v, ok := r.Value(col)
	if !ok {
		return null
	}
	return fmt.Sprintf("%v", v)
}

type jsonResult struct {
	SQL             string           `json:"sql"`
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	ExecutionTimeMS float64          `json:"execution_time_ms"`
	RowCount        int              `json:"row_count"`
}

// renderJSON emits every declared column per row; absent values become JSON null.
func renderJSON(w io.Writer, res *sdk.QueryResult) error {
	out := jsonResult{
		SQL:             res.SQL,
		Columns:         res.ColumnNames,
		Rows:            make([]map[string]any, 0, len(res.Rows)),
		ExecutionTimeMS: res.ExecutionTimeMS,
		RowCount:        res.RowCount(),
	}
	for _, r := range res.Rows {
		row := make(map[string]any, len(res.ColumnNames))
		for _, col := range res.ColumnNames {
			v, _ := r.Value(col)
			row[col] = v
		}
		out.Rows = append(out.Rows, row)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
