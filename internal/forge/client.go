// Package forge talks to the Forge VTT game control API.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/metrics"
	"github.com/rs/zerolog"
)

const DefaultBaseURL = "https://forge-vtt.com"

// maxBodyExcerpt bounds how much of an error body ends up in logs.
const maxBodyExcerpt = 512

// World is one entry of the provider's world listing.
type World struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// IdleOptions are the optional fields of an idle request.
type IdleOptions struct {
	Force bool
	World string
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
	logger zerolog.Logger
}

func New(base, apiKey string, timeout time.Duration) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
		logger: xlog.WithComponent("forge"),
	}
}

func (c *Client) Start(ctx context.Context, slug string) error {
	return c.action(ctx, "start", gameRequest{Game: slug})
}

func (c *Client) Stop(ctx context.Context, slug string) error {
	return c.action(ctx, "stop", gameRequest{Game: slug})
}

func (c *Client) Idle(ctx context.Context, slug string, opts IdleOptions) error {
	req := gameRequest{Game: slug, World: opts.World}
	if opts.Force {
		force := true
		req.Force = &force
	}
	return c.action(ctx, "idle", req)
}

// Worlds fetches the provider's view of every world on the account.
func (c *Client) Worlds(ctx context.Context) ([]World, error) {
	worlds, err := c.worlds(ctx)
	metrics.ProviderRequests.WithLabelValues("worlds", result(err)).Inc()
	if err != nil {
		c.logger.Error().Err(err).Str("event", "provider.worlds_failed").Msg("fetching world status failed")
	}
	return worlds, err
}

func (c *Client) worlds(ctx context.Context) ([]World, error) {
	const op = "worlds"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/data/worlds", nil)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	body, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []World
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: op, Err: err}
		}
		return list, nil
	}
	var wrapped struct {
		Worlds []World `json:"worlds"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: op, Err: err}
	}
	if wrapped.Worlds == nil {
		return nil, &ProviderError{Sentinel: ErrBadResponse, Operation: op, Body: excerpt(trimmed)}
	}
	return wrapped.Worlds, nil
}

type gameRequest struct {
	Game  string `json:"game"`
	Force *bool  `json:"force,omitempty"`
	World string `json:"world,omitempty"`
}

func (c *Client) action(ctx context.Context, op string, payload gameRequest) error {
	err := c.post(ctx, op, payload)
	metrics.ProviderRequests.WithLabelValues(op, result(err)).Inc()
	if err != nil {
		c.logger.Error().Err(err).
			Str("event", "provider.action_failed").
			Str("op", op).
			Str("world", payload.Game).
			Msg("provider action failed")
		return err
	}
	c.logger.Info().Str("event", "provider.action_ok").Str("op", op).Str("world", payload.Game).Msg("provider action accepted")
	return nil
}

func (c *Client) post(ctx context.Context, op string, payload gameRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/game/"+op, bytes.NewReader(data))
	if err != nil {
		return &ProviderError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	_, err = c.do(op, req)
	return err
}

// do sends req with the API key and returns the body of a 200 response.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	req.Header.Set("Access-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ProviderError{Sentinel: ErrUnavailable, Operation: op, Status: res.StatusCode, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		sentinel := ErrUpstream
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			sentinel = ErrRejected
		}
		return nil, &ProviderError{Sentinel: sentinel, Operation: op, Status: res.StatusCode, Body: excerpt(body)}
	}
	return body, nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxBodyExcerpt {
		cut := maxBodyExcerpt
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
