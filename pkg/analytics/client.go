// Package analytics talks to the Google Analytics Data and Admin APIs.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
	"google.golang.org/api/analyticsadmin/v1beta"
	"google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/codeGROOVE-dev/databar/pkg/property"
)

const (
	// MetricActiveUsers is the realtime metric DataBar displays.
	MetricActiveUsers = "activeUsers"

	resourcePrefix   = "properties/"
	defaultTimeout   = 30 * time.Second
	defaultAttempts  = 5
	defaultMaxDelay  = 30 * time.Second
	accountsPageSize = 200
)

var numericID = regexp.MustCompile(`^[0-9]+$`)

// Kind classifies a FetchError.
type Kind int

// Fetch failure kinds.
const (
	KindTransport Kind = iota + 1
	KindStatus
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FetchError is returned by every Client call that reaches the network.
type FetchError struct {
	Err        error
	Op         string
	Kind       Kind
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// classify wraps err in a FetchError. A nil err stays nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &FetchError{Op: op, Kind: KindStatus, StatusCode: gerr.Code, Err: err}
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &FetchError{Op: op, Kind: KindTransport, Err: err}
	}
	return &FetchError{Op: op, Kind: KindMalformed, Err: err}
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// DataEndpoint and AdminEndpoint override the API base URLs.
	DataEndpoint  string
	AdminEndpoint string
	Attempts      uint
	RetryDelay    time.Duration
	Timeout       time.Duration
}

// Client fetches realtime counts and the property catalog.
type Client struct {
	data     *analyticsdata.Service
	admin    *analyticsadmin.Service
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
	timeout  time.Duration
}

// New creates a Client. Tokens are supplied per call, so the HTTP client
// must not add its own credentials.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Attempts == 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	dataOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
	if opts.DataEndpoint != "" {
		dataOpts = append(dataOpts, option.WithEndpoint(opts.DataEndpoint))
	}
	data, err := analyticsdata.NewService(ctx, dataOpts...)
	if err != nil {
		return nil, fmt.Errorf("create data service: %w", err)
	}

	adminOpts := []option.ClientOption{option.WithHTTPClient(opts.HTTPClient)}
	if opts.AdminEndpoint != "" {
		adminOpts = append(adminOpts, option.WithEndpoint(opts.AdminEndpoint))
	}
	admin, err := analyticsadmin.NewService(ctx, adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("create admin service: %w", err)
	}

	return &Client{
		data:     data,
		admin:    admin,
		logger:   opts.Logger,
		attempts: opts.Attempts,
		delay:    opts.RetryDelay,
		timeout:  opts.Timeout,
	}, nil
}

func bearer(tok *oauth2.Token) string {
	typ := tok.Type()
	return typ + " " + tok.AccessToken
}

// ActiveUsers returns the realtime active user count for a property.
// A report without rows means nobody is active.
func (c *Client) ActiveUsers(ctx context.Context, tok *oauth2.Token, propertyID string) (int64, error) {
	if tok == nil || tok.AccessToken == "" {
		return 0, classify("active users", errors.New("missing access token"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := c.data.Properties.RunRealtimeReport(ResourceName(propertyID), &analyticsdata.RunRealtimeReportRequest{
		Metrics: []*analyticsdata.Metric{{Name: MetricActiveUsers}},
	})
	call.Header().Set("Authorization", bearer(tok))

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return 0, classify("active users", err)
	}

	n, err := parseActiveUsers(resp)
	if err != nil {
		return 0, classify("active users", err)
	}
	return n, nil
}

func parseActiveUsers(resp *analyticsdata.RunRealtimeReportResponse) (int64, error) {
	if resp == nil || len(resp.Rows) == 0 {
		return 0, nil
	}
	row := resp.Rows[0]
	if row == nil || len(row.MetricValues) == 0 || row.MetricValues[0] == nil {
		return 0, errors.New("report row has no metric values")
	}
	raw := row.MetricValues[0].Value
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metric value %q is not an integer: %w", raw, err)
	}
	return n, nil
}

// Property is one entry of the backend property catalog.
type Property struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccountName string `json:"accountName"`
}

// Candidate converts p for adding to the store.
func (p Property) Candidate() property.Candidate {
	return property.Candidate{
		PropertyID:         p.ID,
		PropertyName:       p.Name,
		AccountDisplayName: p.AccountName,
	}
}

// Properties lists every property the token can see, sorted by account and name.
// Transient failures are retried with backoff; auth failures are not.
func (c *Client) Properties(ctx context.Context, tok *oauth2.Token) ([]Property, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, classify("list properties", errors.New("missing access token"))
	}

	var out []Property
	err := retry.Do(func() error {
		out = out[:0]
		call := c.admin.AccountSummaries.List().PageSize(accountsPageSize)
		call.Header().Set("Authorization", bearer(tok))

		err := call.Pages(ctx, func(page *analyticsadmin.GoogleAnalyticsAdminV1betaListAccountSummariesResponse) error {
			for _, acct := range page.AccountSummaries {
				if acct == nil {
					continue
				}
				for _, ps := range acct.PropertySummaries {
					if ps == nil || ps.Property == "" {
						continue
					}
					out = append(out, Property{ID: ps.Property, Name: ps.DisplayName, AccountName: acct.DisplayName})
				}
			}
			return nil
		})
		if err == nil {
			return nil
		}

		err = classify("list properties", err)
		var fe *FetchError
		if errors.As(err, &fe) && fe.Kind == KindStatus {
			switch fe.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
				return retry.Unrecoverable(err)
			}
		}
		if errors.As(err, &fe) && fe.Kind == KindMalformed {
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(defaultMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("[ANALYTICS] Property listing failed, retrying", "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b Property) int {
		if c := strings.Compare(strings.ToLower(a.AccountName), strings.ToLower(b.AccountName)); c != 0 {
			return c
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	c.logger.Info("[ANALYTICS] Listed properties", "count", len(out))
	return out, nil
}

// ResourceName normalizes a property identifier to "properties/<id>".
func ResourceName(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, resourcePrefix) {
		return id
	}
	return resourcePrefix + id
}

// NumericID returns the numeric part of a property identifier, if any.
func NumericID(id string) (string, bool) {
	n := strings.TrimPrefix(ResourceName(id), resourcePrefix)
	if !numericID.MatchString(n) {
		return "", false
	}
	return n, true
}

// WebURL returns the realtime overview page for a property.
func WebURL(propertyID string) (string, error) {
	n, ok := NumericID(propertyID)
	if !ok {
		return "", fmt.Errorf("property %q has no numeric id", propertyID)
	}
	return "https://analytics.google.com/analytics/web/#/p" + n + "/realtime/overview", nil
}
