package views

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	// zebra striping
	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236"))

	lowStockStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)

// table renders rows under headers with columns padded to their widest cell.
// highlight, when set, picks rows drawn with lowStockStyle.
func table(title string, headers []string, rows [][]string, highlight func(i int) bool) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	if len(rows) == 0 {
		sb.WriteString(dimStyle.Render("  no records"))
		sb.WriteString("\n")
		return sb.String()
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.Join(parts, "")
	}

	sb.WriteString(line(headers, headerCellStyle))
	sb.WriteString("\n")
	for i, row := range rows {
		style := rowStyle
		if i%2 == 1 {
			style = altRowStyle
		}
		if highlight != nil && highlight(i) {
			style = lowStockStyle
		}
		sb.WriteString(line(row, style))
		sb.WriteString("\n")
	}
	return sb.String()
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
