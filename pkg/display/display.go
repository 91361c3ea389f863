// Package display derives the tray title from properties and their fetch state.
//
// Everything here is a pure function of its inputs.
package display

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/codeGROOVE-dev/databar/pkg/property"
)

// Fixed title fragments.
const (
	ConfigureText = "Configure"
	ErrorText     = "Err"
	LoadingText   = "…"
	UsersSuffix   = " users"
	Separator     = " | "
)

var printer = message.NewPrinter(language.English)

// Status summarizes a title for badge coloring.
type Status int

// Title statuses, in increasing priority.
const (
	StatusOK Status = iota
	StatusLoading
	StatusError
	StatusConfigure
)

// Segment is the rendering of one property.
type Segment struct {
	Icon       string
	Label      string
	Text       string
	PropertyID string
	HasError   bool
	Loading    bool
}

// Title is the derived tray title.
type Title struct {
	Segments           []Segment
	NeedsConfiguration bool
}

// Derive builds the title for props, which are rendered in ascending order.
// Properties without a state entry are shown as loading.
func Derive(props []property.Configured, states map[uuid.UUID]property.State) Title {
	if len(props) == 0 {
		return Title{NeedsConfiguration: true}
	}

	sorted := slices.Clone(props)
	slices.SortStableFunc(sorted, func(a, b property.Configured) int { return a.Order - b.Order })

	t := Title{Segments: make([]Segment, 0, len(sorted))}
	for _, p := range sorted {
		st, ok := states[p.ID]
		if !ok {
			st = property.InitialState()
		}
		icon := p.DisplayIcon
		if st.HasError {
			icon = property.IconError
		}
		t.Segments = append(t.Segments, Segment{
			Icon:       icon,
			Label:      p.DisplayLabel,
			Text:       ValueText(st),
			PropertyID: p.PropertyID,
			HasError:   st.HasError,
			Loading:    st.Loading && !st.HasValue(),
		})
	}
	return t
}

// ValueText is the text shown for one property state.
func ValueText(st property.State) string {
	switch {
	case st.HasError:
		return ErrorText
	case st.Loading && !st.HasValue():
		return LoadingText
	case st.HasValue():
		return FormatCount(st.Value)
	default:
		return LoadingText
	}
}

// FormatCount renders an integer count compactly: values above 999 get one
// decimal and a "k" suffix, smaller ones are grouped. Non-integers are
// returned unchanged.
func FormatCount(value string) string {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return value
	}
	if n > 999 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return printer.Sprintf("%d", n)
}

// Text renders the title. glyph maps a symbolic icon name to what the tray
// can display; a nil glyph omits icons.
func (t Title) Text(glyph func(icon string) string) string {
	if t.NeedsConfiguration {
		return withIcon(glyph, property.IconConfigure, ConfigureText)
	}

	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		text := s.Text
		if s.Label != "" {
			text = s.Label + " " + text
		}
		if len(t.Segments) == 1 {
			text += UsersSuffix
		}
		parts = append(parts, withIcon(glyph, s.Icon, text))
	}
	return strings.Join(parts, Separator)
}

// String renders the title without icons.
func (t Title) String() string {
	return t.Text(nil)
}

// Status returns the most severe status among the segments.
func (t Title) Status() Status {
	if t.NeedsConfiguration {
		return StatusConfigure
	}
	status := StatusOK
	for _, s := range t.Segments {
		switch {
		case s.HasError:
			return StatusError
		case s.Loading:
			status = StatusLoading
		}
	}
	return status
}

// Compact returns a short text for badge icons: the first property's value,
// or "!" when any property is in error.
func (t Title) Compact() string {
	switch t.Status() {
	case StatusConfigure:
		return "?"
	case StatusError:
		return "!"
	}
	return t.Segments[0].Text
}

func withIcon(glyph func(string) string, icon, text string) string {
	if glyph == nil {
		return text
	}
	g := glyph(icon)
	if g == "" {
		return text
	}
	return g + " " + text
}

// Tooltip lists each property with its value and last update time.
func Tooltip(props []property.Configured, states map[uuid.UUID]property.State, now time.Time) string {
	if len(props) == 0 {
		return "DataBar: no properties configured"
	}

	sorted := slices.Clone(props)
	slices.SortStableFunc(sorted, func(a, b property.Configured) int { return a.Order - b.Order })

	var sb strings.Builder
	for i, p := range sorted {
		if i > 0 {
			sb.WriteByte('\n')
		}
		st, ok := states[p.ID]
		if !ok {
			st = property.InitialState()
		}
		sb.WriteString(p.EffectiveDisplayName())
		sb.WriteString(": ")
		switch {
		case st.HasError:
			sb.WriteString("error")
		case st.HasValue():
			sb.WriteString(printer.Sprintf("%d active users", mustInt(st.Value)))
		default:
			sb.WriteString("loading")
		}
		if !st.LastUpdated.IsZero() {
			sb.WriteString(" (updated ")
			sb.WriteString(Ago(now, st.LastUpdated))
			sb.WriteByte(')')
		}
	}
	return sb.String()
}

func mustInt(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Ago renders the age of t relative to now in coarse units.
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
