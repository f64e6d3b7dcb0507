package tui

import "github.com/charmbracelet/lipgloss"

// Terminal theme colors (ANSI 0-15) so the watcher follows the user's scheme.
var (
	colorBlack       = lipgloss.Color("0")
	colorRed         = lipgloss.Color("1")
	colorGreen       = lipgloss.Color("2")
	colorYellow      = lipgloss.Color("3")
	colorBlue        = lipgloss.Color("4")
	colorMagenta     = lipgloss.Color("5")
	colorCyan        = lipgloss.Color("6")
	colorWhite       = lipgloss.Color("7")
	colorBrightBlack = lipgloss.Color("8")

	primaryColor = colorYellow
	successColor = colorGreen
	dangerColor  = colorRed
	mutedColor   = colorBrightBlack

	headerStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(colorBlack).
			Bold(true).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			Padding(0, 1)

	statusTextStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBrightBlack)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Padding(0, 1).
			Bold(true)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor)

	activePanelTitleStyle = lipgloss.NewStyle().
				Background(primaryColor).
				Foreground(colorBlack).
				Padding(0, 1).
				Bold(true)

	selectionBg = colorBrightBlack

	runningStyle   = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	succeededStyle = lipgloss.NewStyle().Foreground(successColor)
	failedStyle    = lipgloss.NewStyle().Foreground(dangerColor)
	cancelledStyle = lipgloss.NewStyle().Foreground(primaryColor)
	idleStyle      = lipgloss.NewStyle().Foreground(mutedColor)

	runIDStyle = lipgloss.NewStyle().Foreground(colorMagenta)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// categoryStyles colors status lines by the category the publisher
// assigns in plain mode.
var categoryStyles = map[string]lipgloss.Style{
	"danger":    lipgloss.NewStyle().Foreground(dangerColor),
	"warning":   lipgloss.NewStyle().Foreground(colorYellow),
	"info":      lipgloss.NewStyle().Foreground(colorCyan),
	"primary":   lipgloss.NewStyle().Foreground(colorBlue),
	"secondary": lipgloss.NewStyle().Foreground(mutedColor),
}
