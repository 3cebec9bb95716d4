package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// PresenceTable renders the available set.
func PresenceTable(participants []string) string {
	if len(participants) == 0 {
		return MutedStyle.Render("Nobody is online")
	}

	rows := make([][]string, 0, len(participants))
	for i, id := range participants {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), id})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Participant").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}
