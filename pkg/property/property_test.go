package property

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIcon(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Acme iOS", IconMobile},
		{"ANDROID beta", IconMobile},
		{"Marketing Website", IconWeb},
		{"www.example.com", IconWeb},
		{"Merch Shop", IconCommerce},
		{"E-Commerce", IconCommerce},
		{"Engineering Blog", IconContent},
		{"Content Hub", IconContent},
		{"Production", IconDefault},
		{"", IconDefault},
		// "app" appears before "shop" in the rule list.
		{"Shop App", IconMobile},
		// "site" beats "blog".
		{"Blog site", IconWeb},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultIcon(tt.name))
		})
	}
}

func TestEffectiveDisplayName(t *testing.T) {
	p := Configured{PropertyName: "Backend Name"}
	assert.Equal(t, "Backend Name", p.EffectiveDisplayName())

	p.CustomDisplayName = "   "
	assert.Equal(t, "Backend Name", p.EffectiveDisplayName())

	p.CustomDisplayName = "Mine"
	assert.Equal(t, "Mine", p.EffectiveDisplayName())
}

func TestCandidateValidate(t *testing.T) {
	require.NoError(t, Candidate{PropertyID: "properties/1"}.Validate())
	require.Error(t, Candidate{PropertyName: "no id"}.Validate())
}

func TestAppearanceNormalizeAndValidate(t *testing.T) {
	a := Appearance{DisplayIcon: " globe ", DisplayLabel: " ab ", CustomDisplayName: " Site "}
	a.Normalize()
	assert.Equal(t, Appearance{DisplayIcon: "globe", DisplayLabel: "AB", CustomDisplayName: "Site"}, a)
	require.NoError(t, a.Validate())

	a.DisplayLabel = "ABCD"
	require.Error(t, a.Validate())

	a.DisplayLabel = "ÅÄÖ"
	require.NoError(t, a.Validate(), "limit counts characters, not bytes")

	a.DisplayIcon = ""
	require.Error(t, a.Validate())
}

func TestStateTransitions(t *testing.T) {
	s := InitialState()
	assert.True(t, s.Loading)
	assert.False(t, s.HasValue())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s = Succeeded("42", now)
	assert.Equal(t, State{Value: "42", LastUpdated: now}, s)

	s = Loading(s)
	assert.Equal(t, State{Value: "42", LastUpdated: now, Loading: true}, s, "value kept while loading")

	s = Failed()
	assert.Equal(t, State{HasError: true}, s, "value discarded on error")

	s = Loading(s)
	assert.False(t, s.HasError, "loading clears the error flag")
}

func TestWithAppearanceKeepsIdentity(t *testing.T) {
	p := Configured{PropertyID: "properties/9", PropertyName: "Nine", DisplayIcon: IconDefault, Order: 2}
	updated := p.WithAppearance(Appearance{DisplayIcon: IconWeb, DisplayLabel: "N"})
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, "properties/9", updated.PropertyID)
	assert.Equal(t, 2, updated.Order)
	assert.Equal(t, IconWeb, updated.DisplayIcon)
	assert.Equal(t, "N", updated.DisplayLabel)
}
