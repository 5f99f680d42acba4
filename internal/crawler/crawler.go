// Package crawler implements the C6 platform-mediated intake collaborator:
// resolving a short-video share URL (a tiktok.com/douyin.com share link) to
// a directly downloadable media URL, without a headless browser.
//
// Each platform resolver follows the share link's redirect chain to recover
// the canonical video id, then asks the platform's public video-detail
// endpoint for the direct play URL, mirroring the two-step
// fetch_one_video_by_url / fetch_one_video flow of the service this was
// distilled from.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// Resolver turns a platform share URL into a directly downloadable media URL.
type Resolver interface {
	Resolve(ctx context.Context, shareURL string) (mediaURL string, err error)
}

// Registry dispatches Resolve calls to the resolver registered for a platform name.
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry builds a Registry from the given platform-to-resolver mapping.
func NewRegistry(resolvers map[string]Resolver) *Registry {
	return &Registry{resolvers: resolvers}
}

// Resolve dispatches to the resolver registered for platform.
func (r *Registry) Resolve(ctx context.Context, platform, shareURL string) (string, error) {
	resolver, ok := r.resolvers[platform]
	if !ok {
		return "", fmt.Errorf("no crawler registered for platform %q", platform)
	}
	return resolver.Resolve(ctx, shareURL)
}

// httpResolver is the shared redirect-following, id-extracting, API-querying
// implementation behind both platform resolvers; only the id pattern, API
// endpoint, and per-platform proxy/cookie differ between platforms.
type httpResolver struct {
	client      *http.Client
	userAgent   string
	cookie      string
	idPattern   *regexp.Regexp
	videoAPIURL func(id string) string
}

// newHTTPResolver builds a resolver whose outbound requests carry userAgent
// and (if set) the platform's Cookie header, and are routed through
// proxyURL if given, since some platforms rate-limit or geofence their
// share-link and video-detail endpoints.
func newHTTPResolver(client *http.Client, userAgent, proxyURL, cookie string, idPattern *regexp.Regexp, videoAPIURL func(string) string) (*httpResolver, error) {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", proxyURL, err)
		}
		transport, ok := client.Transport.(*http.Transport)
		if ok && transport != nil {
			transport = transport.Clone()
		} else {
			transport = &http.Transport{}
		}
		transport.Proxy = http.ProxyURL(parsed)
		clientCopy := *client
		clientCopy.Transport = transport
		client = &clientCopy
	}
	return &httpResolver{client: client, userAgent: userAgent, cookie: cookie, idPattern: idPattern, videoAPIURL: videoAPIURL}, nil
}

func (r *httpResolver) Resolve(ctx context.Context, shareURL string) (string, error) {
	resolvedURL, err := r.followRedirect(ctx, shareURL)
	if err != nil {
		return "", err
	}

	match := r.idPattern.FindStringSubmatch(resolvedURL)
	if match == nil {
		return "", fmt.Errorf("could not extract video id from %s", resolvedURL)
	}
	videoID := match[1]

	return r.fetchPlayURL(ctx, videoID)
}

// followRedirect issues a GET against shareURL and returns the Location the
// server would have redirected to, or shareURL unchanged if there was none.
func (r *httpResolver) followRedirect(ctx context.Context, shareURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shareURL, nil)
	if err != nil {
		return "", fmt.Errorf("build redirect probe request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve share url %s: %w", shareURL, err)
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return resp.Request.URL.String(), nil
}

// videoDetail is the subset of a platform's video-detail response this
// resolver cares about: the direct, no-watermark play address.
type videoDetail struct {
	VideoID string `json:"aweme_id"`
	Video   struct {
		PlayAddr struct {
			URLList []string `json:"url_list"`
		} `json:"play_addr"`
	} `json:"video"`
}

func (r *httpResolver) fetchPlayURL(ctx context.Context, videoID string) (string, error) {
	apiURL := r.videoAPIURL(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("build video detail request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch video detail for %s: %w", videoID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("video detail request for %s returned status %d", videoID, resp.StatusCode)
	}

	var detail videoDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return "", fmt.Errorf("decode video detail for %s: %w", videoID, err)
	}
	if detail.VideoID != videoID {
		return "", fmt.Errorf("video detail id mismatch: requested %s, got %s", videoID, detail.VideoID)
	}
	if len(detail.Video.PlayAddr.URLList) == 0 {
		return "", errors.New("video detail response had no play address")
	}
	return detail.Video.PlayAddr.URLList[0], nil
}

const desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

var (
	tiktokIDPattern = regexp.MustCompile(`video/(\d+)`)
	douyinIDPattern = regexp.MustCompile(`(?:video|share/video)/(\d+)`)
)

// NewTikTokResolver returns a Resolver for tiktok.com share links, routed
// through proxyURL and carrying cookie if either is non-empty.
func NewTikTokResolver(client *http.Client, proxyURL, cookie string) (Resolver, error) {
	return newHTTPResolver(client, desktopUserAgent, proxyURL, cookie, tiktokIDPattern, func(id string) string {
		return "https://api16-normal-c-useast1a.tiktokv.com/aweme/v1/feed/?aweme_id=" + id
	})
}

// NewDouyinResolver returns a Resolver for douyin.com share links, routed
// through proxyURL and carrying cookie if either is non-empty.
func NewDouyinResolver(client *http.Client, proxyURL, cookie string) (Resolver, error) {
	return newHTTPResolver(client, desktopUserAgent, proxyURL, cookie, douyinIDPattern, func(id string) string {
		return "https://www.iesdouyin.com/aweme/v1/web/aweme/detail/?aweme_id=" + id
	})
}
