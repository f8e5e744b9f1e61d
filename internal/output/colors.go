package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Label       *color.Color
	URL         *color.Color
	Method      *color.Color
	Value       *color.Color
	StatusOK    *color.Color
	StatusInfo  *color.Color
	StatusWarn  *color.Color
	StatusError *color.Color
	Success     *color.Color
	Error       *color.Color
	Highlight   *color.Color
	Dim         *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Label:       color.New(color.Bold),
		URL:         color.New(color.FgCyan),
		Method:      color.New(color.FgBlue, color.Bold),
		Value:       color.New(color.FgCyan),
		StatusOK:    color.New(color.FgGreen, color.Bold),
		StatusInfo:  color.New(color.FgBlue),
		StatusWarn:  color.New(color.FgYellow, color.Bold),
		StatusError: color.New(color.FgRed, color.Bold),
		Success:     color.New(color.FgGreen),
		Error:       color.New(color.FgRed),
		Highlight:   color.New(color.FgMagenta, color.Bold),
		Dim:         color.New(color.Faint),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()

	for _, c := range scheme.all() {
		c.DisableColor()
	}

	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{
		s.Label, s.URL, s.Method, s.Value,
		s.StatusOK, s.StatusInfo, s.StatusWarn, s.StatusError,
		s.Success, s.Error, s.Highlight, s.Dim,
	}
}

// ForStatus returns the color for an HTTP status code.
func (s *ColorScheme) ForStatus(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return s.StatusOK
	case code >= 300 && code < 400:
		return s.StatusInfo
	case code >= 400 && code < 500:
		return s.StatusWarn
	default:
		return s.StatusError
	}
}

// ForRate returns the color for an error rate between 0 and 1.
func (s *ColorScheme) ForRate(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Error
	case errorRate > 0.01:
		return s.StatusWarn
	default:
		return s.Success
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
