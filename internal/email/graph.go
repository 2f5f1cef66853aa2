// Package email searches a Microsoft Graph mailbox for messages that mention
// a claim.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("email search not configured")

// Message is a message summary.
type Message struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	FromName       string    `json:"from_name,omitempty"`
	Preview        string    `json:"preview"`
	Received       time.Time `json:"received"`
	HasAttachments bool      `json:"has_attachments"`
	WebLink        string    `json:"web_link,omitempty"`
}

// Config holds the app registration used for the client-credentials flow.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// GraphBaseURL defaults to https://graph.microsoft.com/v1.0.
	GraphBaseURL string
	// TokenURL defaults to the tenant's v2.0 token endpoint.
	TokenURL   string
	MaxResults int
}

// Client is a Graph mail client authenticated as the application.
type Client struct {
	http       *http.Client
	base       string
	maxResults int
}

// NewClient builds a client whose transport fetches and refreshes tokens.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("tenant id is required: %w", ErrNotConfigured)
		}
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"https://graph.microsoft.com/.default"}
	}
	base := strings.TrimRight(cfg.GraphBaseURL, "/")
	if base == "" {
		base = "https://graph.microsoft.com/v1.0"
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 25
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &Client{
		http:       cc.Client(ctx),
		base:       base,
		maxResults: maxResults,
	}, nil
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
	WebLink          string `json:"webLink"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

func (g graphMessage) message() Message {
	received, _ := time.Parse(time.RFC3339, g.ReceivedDateTime)
	return Message{
		ID:             g.ID,
		Subject:        g.Subject,
		From:           g.From.EmailAddress.Address,
		FromName:       g.From.EmailAddress.Name,
		Preview:        g.BodyPreview,
		Received:       received,
		HasAttachments: g.HasAttachments,
		WebLink:        g.WebLink,
	}
}

const selectFields = "id,subject,from,receivedDateTime,bodyPreview,hasAttachments,webLink"

// Search runs a mailbox search for query in userEmail's mailbox.
func (c *Client) Search(ctx context.Context, userEmail, query string) ([]Message, error) {
	q := url.Values{}
	q.Set("$search", strconv.Quote(query))
	q.Set("$top", strconv.Itoa(c.maxResults))
	q.Set("$select", selectFields)
	endpoint := c.base + "/users/" + url.PathEscape(userEmail) + "/messages?" + q.Encode()

	var body struct {
		Value []graphMessage `json:"value"`
	}
	if err := c.get(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	out := make([]Message, 0, len(body.Value))
	for _, m := range body.Value {
		out = append(out, m.message())
	}
	return out, nil
}

// Get fetches one message by id.
func (c *Client) Get(ctx context.Context, userEmail, id string) (Message, error) {
	endpoint := c.base + "/users/" + url.PathEscape(userEmail) + "/messages/" + url.PathEscape(id) +
		"?$select=" + url.QueryEscape(selectFields)

	var m graphMessage
	if err := c.get(ctx, endpoint, &m); err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m.message(), nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// Disabled is the searcher used when email is not configured.
type Disabled struct{}

func (Disabled) Search(context.Context, string, string) ([]Message, error) {
	return nil, ErrNotConfigured
}
