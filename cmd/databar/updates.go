package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/mod/semver"
)

const (
	releaseOwner  = "sammarks"
	releaseRepo   = "DataBar"
	updateTimeout = 15 * time.Second
)

var errDevBuild = errors.New("development builds do not check for updates")

// Release describes the newest published release.
type Release struct {
	Version string
	URL     string
	Newer   bool
}

// updateChecker asks GitHub for the latest release.
type updateChecker struct {
	client  *github.Client
	current string
}

func newUpdateChecker(httpClient *http.Client, current string) *updateChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: updateTimeout}
	}
	return &updateChecker{client: github.NewClient(httpClient), current: current}
}

// canonical turns "1.2", "v1.2.0" and "1.2.0" into "v1.2.0".
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Check fetches the latest release and compares it to the running version.
func (u *updateChecker) Check(ctx context.Context) (Release, error) {
	cur := canonical(u.current)
	if cur == "" {
		return Release{}, errDevBuild
	}

	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	rel, _, err := u.client.Repositories.GetLatestRelease(ctx, releaseOwner, releaseRepo)
	if err != nil {
		return Release{}, fmt.Errorf("fetch latest release: %w", err)
	}

	latest := canonical(rel.GetTagName())
	if latest == "" {
		return Release{}, fmt.Errorf("latest release has unparseable tag %q", rel.GetTagName())
	}
	return Release{
		Version: strings.TrimPrefix(latest, "v"),
		URL:     rel.GetHTMLURL(),
		Newer:   semver.Compare(latest, cur) > 0,
	}, nil
}
