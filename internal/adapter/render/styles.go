package render

import "github.com/charmbracelet/lipgloss"

// Adaptive palette; lipgloss drops colour automatically when NO_COLOR is set
// or the output is not a terminal.
var (
	colorMalicious = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorSuspect   = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorClean     = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorMuted     = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder    = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorClean).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorMalicious).Bold(true)
)

// verdictStyle colours a verdict or reputation label.
func verdictStyle(label string) lipgloss.Style {
	switch label {
	case "malicious", "unsafe":
		return cellStyle.Foreground(colorMalicious).Bold(true)
	case "normal", "suspicious":
		return cellStyle.Foreground(colorSuspect)
	case "no-threats", "whitelisted":
		return cellStyle.Foreground(colorClean)
	default:
		return cellStyle
	}
}
