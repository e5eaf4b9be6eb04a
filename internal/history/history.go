// Package history fetches chat history pages from the torb HTTP API.
// The endpoint returns messages newest-first with a `before` timestamp
// cursor; pages are reversed to ascending order so they can be merged
// straight into a channel log.
package history

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/torb-music/realtime/internal/wire"
)

// DefaultLimit is the page size used when the caller passes 0. The
// server clamps to 1..200.
const DefaultLimit = 50

// Client fetches history pages. BaseURL is the API origin, e.g.
// http://localhost:8090.
type Client struct {
	base string
	http *fasthttp.Client
}

// New returns a history client for the given API origin.
func New(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Global fetches one page of global chat messages created before the
// given cursor (zero time means newest). Returned ascending by
// timestamp, ready for merging.
func (c *Client) Global(before time.Time, limit int) ([]wire.Message, error) {
	return c.fetch("", "", before, limit)
}

// Direct fetches one page of the direct conversation between user and
// peer. Returned ascending by timestamp.
func (c *Client) Direct(user, peer string, before time.Time, limit int) ([]wire.Message, error) {
	if user == "" || peer == "" {
		return nil, fmt.Errorf("history: user and peer are required for direct history")
	}
	return c.fetch(user, peer, before, limit)
}

func (c *Client) fetch(user, peer string, before time.Time, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	args := url.Values{}
	args.Set("limit", fmt.Sprintf("%d", limit))
	if !before.IsZero() {
		args.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if peer != "" {
		args.Set("user", user)
		args.Set("peer", peer)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + "/api/chat?" + args.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.http.Do(req, resp); err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("history request: status %d", resp.StatusCode())
	}

	var page []wire.Message
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("history response: %w", err)
	}

	// Newest-first on the wire; ascending for the merge.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}
