package fantasy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "ltabot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.ltafantasy.com"

	// The API's edge proxy rejects Go's default UA. Any innocuous
	// client string passes.
	userAgent = "bruno-runtime/2.9.0"

	defaultTimeout   = 15 * time.Second
	defaultRetryMax  = 3
	defaultRetryBase = 500 * time.Millisecond
	maxBodySnippet   = 512
)

// Client talks to the fantasy league API. Safe for concurrent use;
// the session token can be swapped at runtime via SetSessionToken.
type Client struct {
	baseURL string
	hc      *http.Client
	log     logx.Logger

	retryMax  int
	retryBase time.Duration

	tokenMu sync.RWMutex
	token   string
}

type Option func(*Client)

func WithLogger(log logx.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithRetry(max int, base time.Duration) Option {
	return func(c *Client) {
		if max >= 0 {
			c.retryMax = max
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

func NewClient(baseURL, sessionToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		hc:        &http.Client{Timeout: defaultTimeout},
		log:       logx.Nop(),
		retryMax:  defaultRetryMax,
		retryBase: defaultRetryBase,
		token:     sessionToken,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetSessionToken replaces the auth token used on subsequent requests.
func (c *Client) SetSessionToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) sessionToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// getJSON performs a GET and decodes the "data"-wrapped payload into out.
// Transient failures (network, 5xx, 429) are retried with jittered
// exponential backoff; 401/403 returns an AuthError immediately.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	backoff := c.retryBase
	var lastErr error

	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			// half fixed, half jitter
			delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			c.log.Debug("fantasy api retry",
				logx.String("path", path),
				logx.Int("attempt", attempt))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if tok := c.sessionToken(); tok != "" {
			req.Header.Set("x-session-token", tok)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &TransientError{Err: err}
			continue
		}

		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &AuthError{StatusCode: resp.StatusCode, Body: snippet(body)}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &TransientError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("server error: %s", snippet(body)),
			}
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("fantasy api %s: unexpected status %d: %s", path, resp.StatusCode, snippet(body))
		}
		if rerr != nil {
			lastErr = &TransientError{Err: rerr}
			continue
		}

		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("fantasy api %s: decode envelope: %w", path, err)
		}
		raw := envelope.Data
		if len(raw) == 0 {
			// some endpoints answer bare payloads
			raw = body
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("fantasy api %s: decode payload: %w", path, err)
			}
		}
		return nil
	}
	return lastErr
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxBodySnippet {
		s = s[:maxBodySnippet] + "..."
	}
	return s
}

// Rounds lists all rounds of the league's current split.
func (c *Client) Rounds(ctx context.Context, league string) ([]Round, error) {
	var rounds []Round
	if err := c.getJSON(ctx, "/leagues/"+url.PathEscape(league)+"/rounds", nil, &rounds); err != nil {
		return nil, err
	}
	return rounds, nil
}

// Ranking fetches the per-round ranking, best team first.
func (c *Client) Ranking(ctx context.Context, league, roundID string) ([]TeamScore, error) {
	return c.ranking(ctx, league, roundID, "")
}

// SplitRanking fetches the split-accumulated ranking as of the given round.
func (c *Client) SplitRanking(ctx context.Context, league, roundID string) ([]TeamScore, error) {
	return c.ranking(ctx, league, roundID, "split_score")
}

func (c *Client) ranking(ctx context.Context, league, roundID, orderBy string) ([]TeamScore, error) {
	q := url.Values{}
	if roundID != "" {
		q.Set("roundId", roundID)
	}
	if orderBy != "" {
		q.Set("orderBy", orderBy)
	}

	var items []rankingItem
	if err := c.getJSON(ctx, "/leagues/"+url.PathEscape(league)+"/ranking", q, &items); err != nil {
		return nil, err
	}

	rows := make([]TeamScore, 0, len(items))
	for _, it := range items {
		rows = append(rows, TeamScore{
			Rank:   it.Rank,
			TeamID: it.UserTeam.ID,
			Team:   it.UserTeam.Name,
			Owner:  it.UserTeam.OwnerName,
			Points: it.Score,
		})
	}
	return rows, nil
}

// roster fetches one team's roster for a round.
func (c *Client) roster(ctx context.Context, roundID, teamID string) (*rosterPayload, error) {
	var p rosterPayload
	path := "/rosters/per-round/" + url.PathEscape(roundID) + "/" + url.PathEscape(teamID)
	if err := c.getJSON(ctx, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
