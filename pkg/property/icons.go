package property

import "strings"

// Symbolic icon names.
const (
	IconDefault   = "chart.bar.fill"
	IconMobile    = "iphone"
	IconWeb       = "globe"
	IconCommerce  = "cart.fill"
	IconContent   = "doc.text.fill"
	IconError     = "exclamationmark.circle"
	IconConfigure = "gearshape"
)

// CuratedIcons are the icons offered when editing a property.
var CuratedIcons = []string{
	IconDefault,
	"chart.line.uptrend.xyaxis",
	"person.2.fill",
	IconWeb,
	IconMobile,
	"laptopcomputer",
	IconCommerce,
	"bag.fill",
	IconContent,
	"newspaper.fill",
	"star.fill",
	"bolt.fill",
	"flame.fill",
	"house.fill",
	"building.2.fill",
	"gamecontroller.fill",
}

var iconRules = []struct {
	icon     string
	keywords []string
}{
	{IconMobile, []string{"mobile", "app", "ios", "android"}},
	{IconWeb, []string{"web", "site", "www"}},
	{IconCommerce, []string{"shop", "store", "commerce"}},
	{IconContent, []string{"blog", "content"}},
}

// DefaultIcon guesses an icon from a property name. Rules are checked in
// order and the first keyword match wins.
func DefaultIcon(name string) string {
	lower := strings.ToLower(name)
	for _, rule := range iconRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.icon
			}
		}
	}
	return IconDefault
}
