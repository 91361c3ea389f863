package main

import "github.com/codeGROOVE-dev/databar/pkg/property"

// glyphs maps symbol names to characters a text-only tray title can show.
var glyphs = map[string]string{
	property.IconDefault:   "📊",
	property.IconMobile:    "📱",
	property.IconWeb:       "🌐",
	property.IconCommerce:  "🛒",
	property.IconContent:   "📝",
	property.IconError:     "⚠️",
	property.IconConfigure: "⚙️",

	"chart.line.uptrend.xyaxis": "📈",
	"person.2.fill":             "👥",
	"laptopcomputer":            "💻",
	"bag.fill":                  "👜",
	"newspaper.fill":            "📰",
	"star.fill":                 "⭐",
	"bolt.fill":                 "⚡",
	"flame.fill":                "🔥",
	"house.fill":                "🏠",
	"building.2.fill":           "🏢",
	"gamecontroller.fill":       "🎮",
}

// glyph returns the character for a symbol name. Unknown names fall back to
// the default chart glyph.
func glyph(name string) string {
	if g, ok := glyphs[name]; ok {
		return g
	}
	return glyphs[property.IconDefault]
}
