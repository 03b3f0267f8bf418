// Package output provides output formatting for the assetpipe CLI.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (valid: table, json, yaml)", s)
	}
}

// Formatter formats output in various formats
type Formatter struct {
	Format    Format
	NoHeaders bool
	Quiet     bool
	Writer    io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(format Format, noHeaders, quiet bool) *Formatter {
	return &Formatter{
		Format:    format,
		NoHeaders: noHeaders,
		Quiet:     quiet,
		Writer:    os.Stdout,
	}
}

// Print outputs a document in the configured format. Table mode prints YAML,
// which reads best for nested documents such as bundle configurations.
func (f *Formatter) Print(data any) error {
	if f.Quiet {
		return nil
	}

	if f.Format == FormatJSON {
		return f.printJSON(data)
	}
	return f.printYAML(data)
}

func (f *Formatter) printJSON(data any) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) printYAML(data any) error {
	encoder := yaml.NewEncoder(f.Writer)
	encoder.SetIndent(2)
	defer func() { _ = encoder.Close() }()
	return encoder.Encode(data)
}

// TableData represents tabular data for table output
type TableData struct {
	Headers []string
	Rows    [][]string

	// RightAligned lists the headers of numeric columns
	RightAligned []string
}

// records converts rows into maps keyed by snake_case headers
func (d TableData) records() []map[string]string {
	keys := make([]string, len(d.Headers))
	for i, h := range d.Headers {
		keys[i] = strings.ReplaceAll(strings.ToLower(h), " ", "_")
	}

	records := make([]map[string]string, len(d.Rows))
	for i, row := range d.Rows {
		record := make(map[string]string, len(row))
		for j, cell := range row {
			if j < len(keys) {
				record[keys[j]] = cell
			}
		}
		records[i] = record
	}
	return records
}

func (d TableData) alignments() []int {
	right := make(map[string]bool, len(d.RightAligned))
	for _, h := range d.RightAligned {
		right[h] = true
	}

	aligns := make([]int, len(d.Headers))
	for i, h := range d.Headers {
		aligns[i] = tablewriter.ALIGN_LEFT
		if right[h] {
			aligns[i] = tablewriter.ALIGN_RIGHT
		}
	}
	return aligns
}

// PrintTable prints rows as a table, or as a list of records for json and yaml
func (f *Formatter) PrintTable(data TableData) {
	if f.Quiet {
		return
	}

	if f.Format != FormatTable {
		records := data.records()
		if f.Format == FormatJSON {
			_ = f.printJSON(records)
		} else {
			_ = f.printYAML(records)
		}
		return
	}

	table := tablewriter.NewWriter(f.Writer)

	if !f.NoHeaders && len(data.Headers) > 0 {
		table.SetHeader(data.Headers)
	}

	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnAlignment(data.alignments())
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	table.AppendBulk(data.Rows)
	table.Render()
}

// PrintSuccess prints a success message
func (f *Formatter) PrintSuccess(message string) {
	if f.Quiet {
		return
	}
	_, _ = fmt.Fprintln(f.Writer, message)
}

// PrintInfo prints an informational message on stderr so it never mixes with
// json or yaml output
func (f *Formatter) PrintInfo(message string) {
	if f.Quiet {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, message)
}
