package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	tableRowStyle    = lipgloss.NewStyle().Padding(0, 1)
	tableMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// table renders static tabular data for command output.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render() string {
	if len(t.rows) == 0 {
		return tableMutedStyle.Render("(none)") + "\n"
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	var sb strings.Builder
	total := 0
	for i, h := range t.headers {
		sb.WriteString(tableHeaderStyle.Width(widths[i]).Render(h))
		total += widths[i]
	}
	sb.WriteString("\n")
	sb.WriteString(tableMutedStyle.Render(strings.Repeat("-", total)) + "\n")

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(tableRowStyle.Width(widths[i]).Render(cell))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
