// Package manifest reads Mojang's launcher metadata to find the latest
// stable server release.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benaskins/mcadmin/internal/resolver"
)

// DefaultURL is Mojang's version manifest.
const DefaultURL = "https://launchermeta.mojang.com/mc/game/version_manifest.json"

var (
	// ErrVersionNotListed means the latest release id has no entry in the
	// manifest's version list.
	ErrVersionNotListed = errors.New("latest release not listed in manifest")

	// ErrNoServerDownload means the release has no server artifact.
	ErrNoServerDownload = errors.New("release has no server download")
)

type versionManifest struct {
	Latest struct {
		Release  string `json:"release"`
		Snapshot string `json:"snapshot"`
	} `json:"latest"`
	Versions []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"versions"`
}

type versionDetail struct {
	ID        string `json:"id"`
	Downloads struct {
		Server *struct {
			SHA1 string `json:"sha1"`
			Size int64  `json:"size"`
			URL  string `json:"url"`
		} `json:"server"`
	} `json:"downloads"`
}

// Client fetches release metadata. It implements resolver.Repository.
type Client struct {
	url    string
	client *http.Client
}

var _ resolver.Repository = (*Client)(nil)

// NewClient creates a client for the manifest at url. An empty url uses
// DefaultURL; a nil httpClient uses a client with a 30s timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if url == "" {
		url = DefaultURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, client: httpClient}
}

// LatestStable returns the descriptor of the latest release.
func (c *Client) LatestStable(ctx context.Context) (resolver.Descriptor, error) {
	var m versionManifest
	if err := c.getJSON(ctx, c.url, &m); err != nil {
		return resolver.Descriptor{}, fmt.Errorf("fetching version manifest: %w", err)
	}

	version := m.Latest.Release
	var detailURL string
	for _, v := range m.Versions {
		if v.ID == version {
			detailURL = v.URL
			break
		}
	}
	if version == "" || detailURL == "" {
		return resolver.Descriptor{}, fmt.Errorf("%w: %q", ErrVersionNotListed, version)
	}

	var d versionDetail
	if err := c.getJSON(ctx, detailURL, &d); err != nil {
		return resolver.Descriptor{}, fmt.Errorf("fetching version %s: %w", version, err)
	}
	if d.Downloads.Server == nil || d.Downloads.Server.URL == "" {
		return resolver.Descriptor{}, fmt.Errorf("%w: %s", ErrNoServerDownload, version)
	}

	return resolver.Descriptor{
		Version:  version,
		Filename: Filename(version),
		URL:      d.Downloads.Server.URL,
		SHA1:     d.Downloads.Server.SHA1,
	}, nil
}

// Filename returns the on-disk name for a server release, matching
// resolver.Pattern.
func Filename(version string) string {
	return "minecraft_server-" + version + ".jar"
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
