// Package property defines the monitored Google Analytics properties and their fetch state.
package property

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxProperties is the number of properties that can be monitored at once.
	MaxProperties = 5
	// MaxLabelLength is the maximum length of the short label shown next to a value.
	MaxLabelLength = 3
	// MaxCustomNameLength bounds user-supplied display names.
	MaxCustomNameLength = 64
)

// Configuration errors. These are returned to the caller and never reported as telemetry.
var (
	ErrAtCapacity = fmt.Errorf("at most %d properties can be configured", MaxProperties)
	ErrDuplicate  = errors.New("property is already configured")
	ErrNotFound   = errors.New("property not found")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Configured is a property the user chose to monitor.
//
// ID and PropertyID never change after creation. Only the fields in Appearance
// may be edited.
type Configured struct {
	ID                 uuid.UUID `json:"id"`
	PropertyID         string    `json:"propertyId"`
	PropertyName       string    `json:"propertyName"`
	AccountDisplayName string    `json:"accountDisplayName,omitempty"`
	DisplayIcon        string    `json:"displayIcon"`
	DisplayLabel       string    `json:"displayLabel,omitempty"`
	CustomDisplayName  string    `json:"customDisplayName,omitempty"`
	Order              int       `json:"order"`
}

// EffectiveDisplayName returns the custom name if one is set, otherwise the backend name.
func (c Configured) EffectiveDisplayName() string {
	if strings.TrimSpace(c.CustomDisplayName) != "" {
		return c.CustomDisplayName
	}
	return c.PropertyName
}

// Appearance returns the editable subset of the property.
func (c Configured) Appearance() Appearance {
	return Appearance{
		DisplayIcon:       c.DisplayIcon,
		DisplayLabel:      c.DisplayLabel,
		CustomDisplayName: c.CustomDisplayName,
	}
}

// WithAppearance returns a copy of c with the editable fields replaced.
func (c Configured) WithAppearance(a Appearance) Configured {
	c.DisplayIcon = a.DisplayIcon
	c.DisplayLabel = a.DisplayLabel
	c.CustomDisplayName = a.CustomDisplayName
	return c
}

// Candidate is a property selected from the backend's property list.
type Candidate struct {
	PropertyID         string `validate:"required"`
	PropertyName       string
	AccountDisplayName string
}

// Validate checks that the candidate can be added.
func (c Candidate) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}
	return nil
}

// Appearance holds the user-editable presentation fields of a property.
type Appearance struct {
	DisplayIcon       string `validate:"required"`
	DisplayLabel      string
	CustomDisplayName string
}

// Normalize trims whitespace and upper-cases the label.
func (a *Appearance) Normalize() {
	a.DisplayIcon = strings.TrimSpace(a.DisplayIcon)
	a.DisplayLabel = strings.ToUpper(strings.TrimSpace(a.DisplayLabel))
	a.CustomDisplayName = strings.TrimSpace(a.CustomDisplayName)
}

// Validate checks the appearance against the display limits.
func (a Appearance) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid appearance: %w", err)
	}
	if n := utf8.RuneCountInString(a.DisplayLabel); n > MaxLabelLength {
		return fmt.Errorf("invalid appearance: label is %d characters, max %d", n, MaxLabelLength)
	}
	if n := utf8.RuneCountInString(a.CustomDisplayName); n > MaxCustomNameLength {
		return fmt.Errorf("invalid appearance: display name is %d characters, max %d", n, MaxCustomNameLength)
	}
	return nil
}

// State is the ephemeral fetch status of one configured property.
type State struct {
	// LastUpdated is zero until the first successful fetch.
	LastUpdated time.Time
	// Value is the last fetched active-user count, empty when there is none.
	Value    string
	Loading  bool
	HasError bool
}

// InitialState is the state of a freshly added property.
func InitialState() State {
	return State{Loading: true}
}

// Loading returns prev marked as loading. The previous value is kept visible
// until the fetch completes.
func Loading(prev State) State {
	return State{
		Value:       prev.Value,
		LastUpdated: prev.LastUpdated,
		Loading:     true,
	}
}

// Succeeded is the state after a successful fetch.
func Succeeded(value string, at time.Time) State {
	return State{Value: value, LastUpdated: at}
}

// Failed is the state after a failed fetch. The last value is discarded.
func Failed() State {
	return State{HasError: true}
}

// HasValue reports whether a fetched value is present.
func (s State) HasValue() bool {
	return s.Value != ""
}
