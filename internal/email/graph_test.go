package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokens int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokens, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v1.0/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokens
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		GraphBaseURL: srv.URL + "/v1.0/",
		MaxResults:   10,
	})
	require.NoError(t, err)
	return c
}

func TestSearch(t *testing.T) {
	var gotPath, gotSearch, gotTop string
	srv, tokens := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSearch = r.URL.Query().Get("$search")
		gotTop = r.URL.Query().Get("$top")
		w.Write([]byte(`{"value":[
			{"id":"m1","subject":"Claim WC-1 update","bodyPreview":"see attached","receivedDateTime":"2026-05-04T10:00:00Z",
			 "hasAttachments":true,"from":{"emailAddress":{"name":"Adjuster","address":"adj@example.com"}}},
			{"id":"m2","subject":"Re: WC-1","receivedDateTime":"not-a-date"}
		]}`))
	})
	c := newTestClient(t, srv)

	msgs, err := c.Search(context.Background(), "inbox@example.com", "WC-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "/v1.0/users/inbox@example.com/messages", gotPath)
	assert.Equal(t, `"WC-1"`, gotSearch)
	assert.Equal(t, "10", gotTop)
	assert.Equal(t, "adj@example.com", msgs[0].From)
	assert.True(t, msgs[0].HasAttachments)
	assert.Equal(t, 2026, msgs[0].Received.Year())
	assert.True(t, msgs[1].Received.IsZero())
	assert.Equal(t, int32(1), atomic.LoadInt32(tokens))

	_, err = c.Search(context.Background(), "inbox@example.com", "WC-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokens), "token is cached")
}

func TestGet(t *testing.T) {
	srv, _ := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/users/inbox@example.com/messages/m1", r.URL.Path)
		w.Write([]byte(`{"id":"m1","subject":"hello"}`))
	})
	c := newTestClient(t, srv)

	m, err := c.Get(context.Background(), "inbox@example.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Subject)
}

func TestSearchHTTPError(t *testing.T) {
	srv, _ := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"ErrorAccessDenied"}}`, http.StatusForbidden)
	})
	c := newTestClient(t, srv)

	_, err := c.Search(context.Background(), "inbox@example.com", "WC-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "ErrorAccessDenied")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(context.Background(), Config{ClientID: "c", ClientSecret: "s"})
	assert.ErrorIs(t, err, ErrNotConfigured, "tenant required without explicit token url")
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Search(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
