// Package player implements the remote-control commands against the provider's Web API.
// Every command shares one request template: it checks for a stored access token, performs
// the provider call, and maps the outcome to a structured Result that never escapes as an error.
package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/tidwall/gjson"
)

// Fixed user-facing messages.
const (
	MsgNotLoggedIn        = "Failed to log in!"
	MsgUnexpectedResponse = "Unexpected response from Spotify API."
	MsgNoPlayback         = "No available playback found."
)

// Result is the structured outcome returned to the presentation layer.
type Result struct {
	// Error is nil on success.
	Error  *string `json:"error"`
	Status int     `json:"status"`
}

// PlayerData is the outcome of GetCurrentPlayerData. TrackType and Data are null unless
// something is playing.
type PlayerData struct {
	TrackType *string         `json:"trackType"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Status    int             `json:"status"`
}

// Client issues remote-control commands on behalf of the stored credential.
type Client struct {
	store      credential.Store
	apiURL     string
	httpClient *http.Client
}

// Options configures a Client.
type Options struct {
	APIURL   string
	ProxyURL string
	// HTTPClient overrides the outbound client (tests).
	HTTPClient *http.Client
}

// NewClient creates a command client reading the access token from store.
func NewClient(store credential.Store, opts Options) *Client {
	api := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if api == "" {
		api = "https://api.spotify.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = util.SetProxy(opts.ProxyURL, &http.Client{Timeout: 15 * time.Second})
	}
	return &Client{store: store, apiURL: api, httpClient: client}
}

// request describes one provider call.
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	// generic is the per-command fallback message.
	generic string
}

// response is a completed provider call.
type response struct {
	status int
	body   []byte
}

func errorString(msg string) *string {
	return &msg
}

// call runs the shared command template.
func (c *Client) call(ctx context.Context, req request) Result {
	resp, result, ok := c.do(ctx, req)
	if !ok {
		return result
	}
	switch {
	case resp.status == http.StatusOK || resp.status == http.StatusNoContent:
		return Result{Error: nil, Status: http.StatusNoContent}
	case resp.status >= http.StatusBadRequest:
		return upstreamResult(resp, req.generic)
	default:
		return Result{Error: errorString(MsgUnexpectedResponse), Status: http.StatusInternalServerError}
	}
}

// do performs the authenticated HTTP call. When ok is false, result holds the terminal outcome.
func (c *Client) do(ctx context.Context, req request) (*response, Result, bool) {
	entry := logging.Entry(ctx)
	cred, err := c.store.Load(ctx)
	if err != nil {
		entry.Warnf("player: load credential failed: %v", err)
	}
	if cred == nil || strings.TrimSpace(cred.AccessToken) == "" {
		return nil, Result{Error: errorString(MsgNotLoggedIn), Status: http.StatusUnauthorized}, false
	}

	target := c.apiURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		entry.Errorf("player: build request failed: %v", err)
		return nil, Result{Error: errorString(req.generic), Status: http.StatusInternalServerError}, false
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		entry.Warnf("player: %s %s failed: %v", req.method, req.path, err)
		return nil, Result{Error: errorString(req.generic), Status: http.StatusInternalServerError}, false
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := readBody(httpResp)
	if err != nil {
		entry.Warnf("player: read %s response failed: %v", req.path, err)
		return nil, Result{Error: errorString(req.generic), Status: http.StatusInternalServerError}, false
	}
	entry.Debugf("player: %s %s -> %d", req.method, req.path, httpResp.StatusCode)
	return &response{status: httpResp.StatusCode, body: data}, Result{}, true
}

// upstreamResult keeps the provider's status and prefers its error.message.
func upstreamResult(resp *response, generic string) Result {
	msg := strings.TrimSpace(gjson.GetBytes(resp.body, "error.message").String())
	if msg == "" {
		msg = generic
	}
	return Result{Error: errorString(msg), Status: resp.status}
}

func genericMessage(action string) string {
	return fmt.Sprintf("An error occurred while %s.", action)
}
