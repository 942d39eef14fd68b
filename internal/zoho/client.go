package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/secrets"
)

var (
	// ErrCrmUnavailable covers 5xx, 429 and transport failures: retryable.
	ErrCrmUnavailable = errors.New("zoho: crm unavailable")

	// ErrCrmRejected covers 4xx responses other than auth: the request is
	// malformed or violates CRM rules, retrying cannot help.
	ErrCrmRejected = errors.New("zoho: crm rejected request")

	// ErrAuth means the refresh grant itself failed.
	ErrAuth = errors.New("zoho: authentication failed")
)

const (
	defaultAPIBase     = "https://www.zohoapis.com"
	defaultAccountsURL = "https://accounts.zoho.com"
	tokenExpiryPad     = 60 * time.Second
)

// Lead is the subset of a CRM lead this pipeline reads and writes.
type Lead struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	OwnerID   string
	Status    string
}

// User is a CRM user eligible to own leads.
type User struct {
	ID     string
	Name   string
	Email  string
	Role   string
	Active bool
}

// Client is a Zoho CRM v2 REST client using the refresh-token OAuth grant.
// On a 401 the access token is dropped and the request retried once after a
// forced refresh.
type Client struct {
	apiBase     string
	accountsURL string
	http        *http.Client
	secrets     secrets.Provider
	clock       func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(provider secrets.Provider, apiBase, accountsURL string, timeout time.Duration) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if accountsURL == "" {
		accountsURL = defaultAccountsURL
	}
	return &Client{
		apiBase:     apiBase,
		accountsURL: accountsURL,
		http:        &http.Client{Timeout: timeout},
		secrets:     provider,
		clock:       time.Now,
	}
}

func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.accessToken != "" && c.clock().Before(c.tokenExpiry.Add(-tokenExpiryPad)) {
		return c.accessToken, nil
	}

	clientID, err := c.secrets.GetSecret(ctx, "zoho", "client_id")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	clientSecret, err := c.secrets.GetSecret(ctx, "zoho", "client_secret")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	refreshToken, err := c.secrets.GetSecret(ctx, "zoho", "refresh_token")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.accountsURL+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token: %v", ErrCrmUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: token: status %d", ErrCrmUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: token: status %d: %s", ErrAuth, resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("zoho: decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = c.clock().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// do runs an authenticated request, refreshing the token once on 401.
func (c *Client) do(ctx context.Context, method, path string, contentType string, body func() (io.Reader, error)) (*http.Response, error) {
	force := false
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx, force)
		if err != nil {
			return nil, err
		}

		var rdr io.Reader
		if body != nil {
			rdr, err = body()
			if err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrmUnavailable, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			force = true
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: repeated 401", ErrAuth)
}

// classify converts a non-2xx response into the pipeline error taxonomy and
// drains the body.
func classify(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status %d", ErrCrmUnavailable, op, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrCrmRejected, op, resp.StatusCode, body)
	}
}

type leadPayload struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"First_Name,omitempty"`
	LastName  string `json:"Last_Name,omitempty"`
	Phone     string `json:"Phone,omitempty"`
	Status    string `json:"Lead_Status,omitempty"`
	Owner     *struct {
		ID string `json:"id"`
	} `json:"Owner,omitempty"`
}

func (p leadPayload) toLead() Lead {
	l := Lead{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName, Phone: p.Phone, Status: p.Status}
	if p.Owner != nil {
		l.OwnerID = p.Owner.ID
	}
	return l
}

// SearchLeadsByPhone returns every lead whose Phone equals the normalized
// number. Zoho returns 204 for an empty result set.
func (c *Client) SearchLeadsByPhone(ctx context.Context, phone string) ([]Lead, error) {
	path := "/crm/v2/Leads/search?criteria=" + url.QueryEscape("(Phone:equals:"+phone+")")
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp, "search leads")
	}

	var body struct {
		Data []leadPayload `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("zoho: decode search: %w", err)
	}
	out := make([]Lead, len(body.Data))
	for i, p := range body.Data {
		out[i] = p.toLead()
	}
	return out, nil
}

// CreateLead inserts one lead and returns its CRM id.
func (c *Client) CreateLead(ctx context.Context, lead Lead) (string, error) {
	p := leadPayload{FirstName: lead.FirstName, LastName: lead.LastName, Phone: lead.Phone, Status: lead.Status}
	if lead.OwnerID != "" {
		p.Owner = &struct {
			ID string `json:"id"`
		}{ID: lead.OwnerID}
	}
	payload, err := json.Marshal(map[string][]leadPayload{"data": {p}})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/crm/v2/Leads", "application/json",
		func() (io.Reader, error) { return bytes.NewReader(payload), nil })
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", classify(resp, "create lead")
	}

	var body struct {
		Data []struct {
			Code    string `json:"code"`
			Details struct {
				ID string `json:"id"`
			} `json:"details"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("zoho: decode create: %w", err)
	}
	if len(body.Data) == 0 || body.Data[0].Code != "SUCCESS" {
		msg := "empty response"
		if len(body.Data) > 0 {
			msg = body.Data[0].Message
		}
		return "", fmt.Errorf("%w: create lead: %s", ErrCrmRejected, msg)
	}
	return body.Data[0].Details.ID, nil
}

// UpdateLead patches the given fields of an existing lead.
func (c *Client) UpdateLead(ctx context.Context, leadID string, fields map[string]any) error {
	payload, err := json.Marshal(map[string][]map[string]any{"data": {fields}})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, "/crm/v2/Leads/"+url.PathEscape(leadID), "application/json",
		func() (io.Reader, error) { return bytes.NewReader(payload), nil })
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(resp, "update lead")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// AddNote appends a note to a lead.
func (c *Client) AddNote(ctx context.Context, leadID, title, content string) error {
	payload, err := json.Marshal(map[string]any{
		"data": []map[string]any{{
			"Note_Title":   title,
			"Note_Content": content,
			"Parent_Id":    leadID,
			"se_module":    "Leads",
		}},
	})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/crm/v2/Notes", "application/json",
		func() (io.Reader, error) { return bytes.NewReader(payload), nil })
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return classify(resp, "add note")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// AttachFile uploads a file as a lead attachment via multipart form.
func (c *Client) AttachFile(ctx context.Context, leadID, filename string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	body := buf.Bytes()

	resp, err := c.do(ctx, http.MethodPost,
		"/crm/v2/Leads/"+url.PathEscape(leadID)+"/Attachments",
		mw.FormDataContentType(),
		func() (io.Reader, error) { return bytes.NewReader(body), nil })
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return classify(resp, "attach file")
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ListUsers walks every page of active CRM users.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	for page := 1; ; page++ {
		path := "/crm/v2/users?type=ActiveUsers&page=" + strconv.Itoa(page) + "&per_page=200"
		resp, err := c.do(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			return out, nil
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, classify(resp, "list users")
		}

		var body struct {
			Users []struct {
				ID       string `json:"id"`
				FullName string `json:"full_name"`
				Email    string `json:"email"`
				Status   string `json:"status"`
				Role     struct {
					Name string `json:"name"`
				} `json:"role"`
			} `json:"users"`
			Info struct {
				MoreRecords bool `json:"more_records"`
			} `json:"info"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("zoho: decode users: %w", err)
		}
		for _, u := range body.Users {
			out = append(out, User{
				ID:     u.ID,
				Name:   u.FullName,
				Email:  u.Email,
				Role:   u.Role.Name,
				Active: u.Status == "active",
			})
		}
		if !body.Info.MoreRecords {
			return out, nil
		}
	}
}
