package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter prints command results as a table, JSON or YAML
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates an outputter writing to w. An empty format means table.
func NewOutputter(format string, w io.Writer) (*Outputter, error) {
	f := OutputFormat(format)
	if f == "" {
		f = OutputTable
	}
	switch f {
	case OutputTable, OutputJSON, OutputYAML:
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
	return &Outputter{format: f, writer: w}, nil
}

// Format returns the output format
func (o *Outputter) Format() OutputFormat {
	return o.format
}

// Print writes data as JSON or YAML, or calls table when the format is table
func (o *Outputter) Print(data any, table func() ([]string, [][]string)) error {
	switch o.format {
	case OutputJSON:
		encoder := json.NewEncoder(o.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputYAML:
		encoder := yaml.NewEncoder(o.writer)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		headers, rows := table()
		return o.PrintTable(headers, rows)
	}
}

// PrintTable renders rows under headers
func (o *Outputter) PrintTable(headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
