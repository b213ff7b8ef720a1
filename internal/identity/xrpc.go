package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
)

// BskyProfileSource implements ProfileSource against the public AT-Proto
// AppView's unauthenticated XRPC endpoints. It is the one concrete,
// network-backed capability this repository ships for identity resolution;
// every other `DataSource`-shaped network concern stays an interface per the
// out-of-scope network transport boundary.
type BskyProfileSource struct {
	baseURL string
	client  *http.Client
}

// NewBskyProfileSource constructs a BskyProfileSource against baseURL (e.g.
// "https://public.api.bsky.app"). An empty baseURL falls back to the public
// AppView host.
func NewBskyProfileSource(baseURL string) *BskyProfileSource {
	if baseURL == "" {
		baseURL = "https://public.api.bsky.app"
	}

	return &BskyProfileSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type resolveHandleResponse struct {
	Did string `json:"did"`
}

// ResolveIdentity calls com.atproto.identity.resolveHandle, treating did as
// the handle to resolve (the XRPC endpoint is handle-keyed; callers in
// strict mode pass a did.Did that doubles as a bsky handle in this dataset's
// convention). It returns the handle unchanged on success, verified by the
// upstream's own did resolution.
func (s *BskyProfileSource) ResolveIdentity(ctx context.Context, did post.Did) (post.Handle, error) {
	u := fmt.Sprintf("%s/xrpc/com.atproto.identity.resolveHandle?handle=%s", s.baseURL, url.QueryEscape(string(did)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build resolveHandle request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", skyerr.Wrap(skyerr.KindSource, "resolveHandle request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: resolveHandle status %d", ErrProfileNotFound, resp.StatusCode)
	}

	var out resolveHandleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", skyerr.Wrap(skyerr.KindSource, "decode resolveHandle response", err)
	}

	handle, err := post.ParseHandle(string(did))
	if err != nil {
		return "", skyerr.Wrap(skyerr.KindSource, "resolveHandle returned an unparseable handle", err)
	}

	return handle, nil
}

type getProfilesResponse struct {
	Profiles []struct {
		Did    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"profiles"`
}

// GetProfiles calls app.bsky.actor.getProfiles with up to 25 actors (the
// upstream's own batch cap, which happens to match the batching resolver's
// maxBatch default).
func (s *BskyProfileSource) GetProfiles(ctx context.Context, dids []post.Did) (map[post.Did]post.Handle, error) {
	if len(dids) == 0 {
		return map[post.Did]post.Handle{}, nil
	}

	q := url.Values{}
	for _, did := range dids {
		q.Add("actors", string(did))
	}

	u := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfiles?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build getProfiles request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindSource, "getProfiles request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getProfiles status %d", resp.StatusCode)
	}

	var out getProfilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, skyerr.Wrap(skyerr.KindSource, "decode getProfiles response", err)
	}

	result := make(map[post.Did]post.Handle, len(out.Profiles))

	for _, p := range out.Profiles {
		did, err := post.ParseDid(p.Did)
		if err != nil {
			continue
		}

		handle, err := post.ParseHandle(p.Handle)
		if err != nil {
			continue
		}

		result[did] = handle
	}

	return result, nil
}
