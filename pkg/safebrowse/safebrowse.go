// Package safebrowse validates URLs before handing them to the system browser.
// DataBar only ever opens Google Analytics realtime pages and its own GitHub
// project pages, so anything else is refused.
package safebrowse

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"slices"
	"strings"
)

const maxURLLength = 2048

// AnalyticsBase is the Google Analytics web app; property pages live in its fragment.
const AnalyticsBase = "https://analytics.google.com/analytics/web/"

// AllowedHosts are the only hosts DataBar opens.
var AllowedHosts = []string{"analytics.google.com", "github.com"}

var xdgOpenPaths = []string{
	"/usr/local/bin/xdg-open",
	"/usr/bin/xdg-open",
	"/usr/pkg/bin/xdg-open",
	"/opt/local/bin/xdg-open",
}

// ValidateURL checks a plain https link: allowed host, default port, no
// query, fragment, credentials, or escapes.
func ValidateURL(rawURL string) error {
	_, err := check(rawURL, false)
	return err
}

// ValidateAnalyticsURL accepts only realtime overview pages of the form
// https://analytics.google.com/analytics/web/#/p{number}/realtime/overview.
func ValidateAnalyticsURL(rawURL string) error {
	base, fragment, ok := strings.Cut(rawURL, "#")
	if !ok {
		return errors.New("missing property fragment")
	}
	if _, err := check(base, false); err != nil {
		return err
	}
	if base != AnalyticsBase {
		return fmt.Errorf("must start with %s", AnalyticsBase)
	}
	return checkRealtimeFragment(fragment)
}

func checkRealtimeFragment(fragment string) error {
	rest, ok := strings.CutPrefix(fragment, "/p")
	if !ok {
		return errors.New("fragment must start with /p{number}")
	}
	id, tail, _ := strings.Cut(rest, "/")
	if tail != "realtime/overview" {
		return errors.New("fragment must end with /realtime/overview")
	}
	if id == "" || id[0] == '0' {
		return errors.New("property number must start with 1-9")
	}
	if strings.IndexFunc(id, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return errors.New("property number must be digits only")
	}
	return nil
}

// Open validates and opens a plain link.
func Open(ctx context.Context, rawURL string) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}
	return launch(ctx, rawURL)
}

// OpenAnalytics validates and opens a Google Analytics realtime page.
func OpenAnalytics(ctx context.Context, rawURL string) error {
	if err := ValidateAnalyticsURL(rawURL); err != nil {
		return err
	}
	return launch(ctx, rawURL)
}

// OpenWithParams opens rawURL with a query built from params. Keys and
// values are limited to letters, digits, dash and underscore so the encoded
// query never needs escaping.
func OpenWithParams(ctx context.Context, rawURL string, params map[string]string) error {
	u, err := check(rawURL, false)
	if err != nil {
		return err
	}
	q := url.Values{}
	for k, v := range params {
		if err := validateParamString(k); err != nil {
			return fmt.Errorf("invalid parameter key %q: %w", k, err)
		}
		if err := validateParamString(v); err != nil {
			return fmt.Errorf("invalid parameter value %q: %w", v, err)
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	final := u.String()
	if _, err := check(final, true); err != nil {
		return err
	}
	return launch(ctx, final)
}

// check applies the link rules and returns the parsed URL.
func check(rawURL string, allowQuery bool) (*url.URL, error) {
	switch {
	case rawURL == "":
		return nil, errors.New("URL cannot be empty")
	case len(rawURL) > maxURLLength:
		return nil, fmt.Errorf("URL exceeds maximum length of %d", maxURLLength)
	}
	for i, r := range rawURL {
		if r < 0x20 || r >= 0x7F {
			return nil, fmt.Errorf("invalid character at position %d", i)
		}
		if r == '%' {
			return nil, errors.New("percent-encoding not allowed")
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case u.Scheme != "https":
		return nil, errors.New("must use HTTPS")
	case u.User != nil:
		return nil, errors.New("user info not allowed")
	case u.Fragment != "":
		return nil, errors.New("fragments (#) not allowed")
	case u.Port() != "":
		return nil, errors.New("custom ports not allowed")
	case u.RawQuery != "" && !allowQuery:
		return nil, errors.New("query parameters not allowed (use OpenWithParams)")
	}

	u.Host = strings.ToLower(u.Host)
	if !slices.Contains(AllowedHosts, u.Host) {
		return nil, fmt.Errorf("host %q is not allowed", u.Host)
	}
	if i := strings.IndexFunc(u.Path, unsafePathRune); i >= 0 {
		return nil, fmt.Errorf("invalid path: unsafe character %q", u.Path[i])
	}
	if strings.Contains(u.Path, "..") {
		return nil, errors.New("path traversal (..) not allowed")
	}
	if strings.Contains(u.Path, "//") {
		return nil, errors.New("empty path segments (//) not allowed")
	}
	return u, nil
}

func unsafePathRune(r rune) bool {
	return !isWordRune(r) && r != '.' && r != '/'
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

func validateParamString(s string) error {
	if s == "" {
		return errors.New("cannot be empty")
	}
	if i := strings.IndexFunc(s, func(r rune) bool { return !isWordRune(r) }); i >= 0 {
		return fmt.Errorf("contains invalid character %q", s[i])
	}
	return nil
}

// launch hands an already validated URL to the platform opener.
func launch(ctx context.Context, rawURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "/usr/bin/open", "-u", rawURL)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32.exe", "url.dll,FileProtocolHandler", rawURL)
	default:
		opener, err := xdgOpen()
		if err != nil {
			return err
		}
		cmd = exec.CommandContext(ctx, opener, rawURL)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

func xdgOpen() (string, error) {
	if path, err := exec.LookPath("xdg-open"); err == nil {
		return path, nil
	}
	for _, path := range xdgOpenPaths {
		if _, err := exec.LookPath(path); err == nil {
			return path, nil
		}
	}
	return "", errors.New("xdg-open not found")
}
