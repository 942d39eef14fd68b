package ringcentral

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/secrets"
)

var (
	// ErrUnavailable covers 5xx responses and transport failures: retryable.
	ErrUnavailable = errors.New("ringcentral: provider unavailable")

	// ErrNotReady means the recording exists but its media is still being
	// processed. Retry later.
	ErrNotReady = errors.New("ringcentral: recording not ready")

	// ErrAuth covers credential and grant failures: not retryable.
	ErrAuth = errors.New("ringcentral: authentication failed")
)

const (
	defaultBaseURL = "https://platform.ringcentral.com"
	callLogPerPage = 250
	tokenExpiryPad = 60 * time.Second
)

// Client is a minimal RingCentral REST client covering the JWT-bearer grant,
// extension listing, the detailed call log, and recording media download.
type Client struct {
	baseURL string
	http    *http.Client
	secrets secrets.Provider
	clock   func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(provider secrets.Provider, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		secrets: provider,
		clock:   time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached access token, exchanging the configured JWT
// assertion for a fresh one when the cache is cold or near expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.clock().Before(c.tokenExpiry.Add(-tokenExpiryPad)) {
		return c.accessToken, nil
	}

	clientID, err := c.secrets.GetSecret(ctx, "ringcentral", "client_id")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	clientSecret, err := c.secrets.GetSecret(ctx, "ringcentral", "client_secret")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	assertion, err := c.secrets.GetSecret(ctx, "ringcentral", "jwt_token")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/restapi/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+
		base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret)))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: token: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: token: status %d: %s", ErrAuth, resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("ringcentral: decode token: %w", err)
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = c.clock().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// Extension is a provider-side extension (user, department, queue).
type Extension struct {
	ID     string `json:"-"`
	RawID  int64  `json:"id"`
	Name   string `json:"name"`
	Number string `json:"extensionNumber"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type extensionPage struct {
	Records []Extension `json:"records"`
	Paging  paging      `json:"paging"`
}

type paging struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// ListExtensions walks every page of enabled User extensions.
func (c *Client) ListExtensions(ctx context.Context) ([]Extension, error) {
	var out []Extension
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("status", "Enabled")
		q.Set("type", "User")
		q.Set("page", strconv.Itoa(page))
		q.Set("perPage", "100")

		var body extensionPage
		if err := c.getJSON(ctx, "/restapi/v1.0/account/~/extension?"+q.Encode(), &body); err != nil {
			return nil, err
		}
		for _, e := range body.Records {
			e.ID = strconv.FormatInt(e.RawID, 10)
			out = append(out, e)
		}
		if body.Paging.Page >= body.Paging.TotalPages || len(body.Records) == 0 {
			break
		}
	}
	return out, nil
}

// CallLogRecord is one row of the detailed call log.
type CallLogRecord struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Result    string    `json:"result"`
	StartTime time.Time `json:"startTime"`
	Duration  int       `json:"duration"`
	From      struct {
		PhoneNumber string `json:"phoneNumber"`
		Name        string `json:"name"`
	} `json:"from"`
	To struct {
		PhoneNumber string `json:"phoneNumber"`
	} `json:"to"`
	Recording *struct {
		ID         string `json:"id"`
		ContentURI string `json:"contentUri"`
	} `json:"recording"`
	Legs []CallLeg `json:"legs"`
}

// CallLeg is one hop of a call as it rang through extensions.
type CallLeg struct {
	Direction string `json:"direction"`
	Result    string `json:"result"`
	Duration  int    `json:"duration"`
	Extension *struct {
		ID int64 `json:"id"`
	} `json:"extension"`
}

type callLogPage struct {
	Records []CallLogRecord `json:"records"`
	Paging  paging          `json:"paging"`
}

// CallLogPage fetches one page of the detailed call log for an extension
// within [from, to). A 429 is honored via Retry-After before one re-request.
func (c *Client) CallLogPage(ctx context.Context, extensionID string, from, to time.Time, page int) ([]CallLogRecord, bool, error) {
	q := url.Values{}
	q.Set("dateFrom", from.UTC().Format(time.RFC3339))
	q.Set("dateTo", to.UTC().Format(time.RFC3339))
	q.Set("view", "Detailed")
	q.Set("withRecording", "true")
	q.Set("page", strconv.Itoa(page))
	q.Set("perPage", strconv.Itoa(callLogPerPage))

	path := "/restapi/v1.0/account/~/extension/" + url.PathEscape(extensionID) + "/call-log?" + q.Encode()

	var body callLogPage
	if err := c.getJSON(ctx, path, &body); err != nil {
		return nil, false, err
	}
	more := body.Paging.Page < body.Paging.TotalPages && len(body.Records) > 0
	return body.Records, more, nil
}

// RecordingContent downloads recording media. 202 (still processing) and 404
// both surface as ErrNotReady: the log row can precede the media.
func (c *Client) RecordingContent(ctx context.Context, recordingID string) ([]byte, string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, "", err
	}

	path := c.baseURL + "/restapi/v1.0/account/~/recording/" + url.PathEscape(recordingID) + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: recording: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("%w: recording body: %v", ErrUnavailable, err)
		}
		return data, resp.Header.Get("Content-Type"), nil
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("%w: %s", ErrNotReady, recordingID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("%w: recording: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, "", fmt.Errorf("ringcentral: recording %s: status %d", recordingID, resp.StatusCode)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			delay := retryAfter(resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("ringcentral: decode %s: %w", path, err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			c.mu.Lock()
			c.accessToken = "" // force re-grant on the next call
			c.mu.Unlock()
			return fmt.Errorf("%w: status 401", ErrAuth)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: status %d", ErrUnavailable, path, resp.StatusCode)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("ringcentral: %s: status %d: %s", path, resp.StatusCode, body)
		}
	}
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 10 * time.Second
}
