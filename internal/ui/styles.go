package ui

import "github.com/charmbracelet/lipgloss"

// Color palette. A single azure accent keeps the TUI readable over the
// mixed-script product names it displays.
const (
	ColorAzure    = "45"  // primary accent, bright cyan-blue
	ColorAzureDim = "31"  // dimmed accent for inactive elements
	ColorWhite    = "255" // headers, important text
	ColorGray     = "245" // secondary text, labels
	ColorDarkGray = "238" // box borders, separators
	ColorRed      = "196" // errors
	ColorYellow   = "220" // warnings
)

// Styles holds the lipgloss styles used by the TUI renderer.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Active  lipgloss.Style

	Border    lipgloss.Style
	Sparkline lipgloss.Style
	Speed     lipgloss.Style
	Label     lipgloss.Style
}

// DefaultStyles returns the styled components for TUI mode.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAzure)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAzure)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Active:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAzure)),

		Border:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Sparkline: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAzure)),
		Speed:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
	}
}

// NoColorStyles returns unstyled components for plain mode.
func NoColorStyles() Styles {
	return Styles{
		Header:    lipgloss.NewStyle(),
		Success:   lipgloss.NewStyle(),
		Warning:   lipgloss.NewStyle(),
		Error:     lipgloss.NewStyle(),
		Dim:       lipgloss.NewStyle(),
		Active:    lipgloss.NewStyle(),
		Border:    lipgloss.NewStyle(),
		Sparkline: lipgloss.NewStyle(),
		Speed:     lipgloss.NewStyle(),
		Label:     lipgloss.NewStyle(),
	}
}

// GetStyles returns the appropriate styles based on color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}
