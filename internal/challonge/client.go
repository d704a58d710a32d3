// Package challonge fetches tournament results from the Challonge REST API.
package challonge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/narivals/rivals-ledger/internal/model"
)

// ErrNotFound is returned when the tournament does not exist.
var ErrNotFound = errors.New("challonge: tournament not found")

const DefaultBaseURL = "https://api.challonge.com"

// Config holds the client settings.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Subdomain  string        `mapstructure:"subdomain"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// Client is a Challonge API client.
type Client struct {
	http            *http.Client
	baseURL         string
	apiKey          string
	subdomain       string
	initialInterval time.Duration
	maxElapsed      time.Duration
}

// NewClient creates a client. Zero values fall back to the public API and
// sane timeouts.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	return &Client{
		http:            &http.Client{Timeout: cfg.Timeout},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		subdomain:       cfg.Subdomain,
		initialInterval: 500 * time.Millisecond,
		maxElapsed:      cfg.MaxElapsed,
	}
}

type participantEnvelope struct {
	Participant model.Participant `json:"participant"`
}

// Participants returns every participant of tournament, including those
// without a final rank.
func (c *Client) Participants(ctx context.Context, tournament string) ([]model.Participant, error) {
	tournament = strings.ToLower(strings.TrimSpace(tournament))
	if tournament == "" {
		return nil, fmt.Errorf("challonge: empty tournament name")
	}

	body, err := c.get(ctx, c.participantsURL(tournament))
	if err != nil {
		return nil, err
	}

	var envelopes []participantEnvelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return nil, fmt.Errorf("challonge: failed to decode participants: %w", err)
	}
	out := make([]model.Participant, len(envelopes))
	for i, e := range envelopes {
		out[i] = e.Participant
	}
	return out, nil
}

func (c *Client) participantsURL(tournament string) string {
	id := tournament
	if c.subdomain != "" {
		id = c.subdomain + "-" + tournament
	}
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	return fmt.Sprintf("%s/v1/tournaments/%s/participants.json?%s", c.baseURL, url.PathEscape(id), q.Encode())
}

// get performs a GET with exponential backoff on rate limiting, server
// errors and network failures.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var respBody []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to perform request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("challonge rate limited, retrying")
			return fmt.Errorf("rate limited (429)")
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error %d", resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body)))
		}

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("challonge: request failed: %w", err)
	}
	return respBody, nil
}
