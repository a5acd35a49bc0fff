package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// longPollTimeout is the server-side wait hint passed on sync long polls.
const longPollTimeout = 5 * time.Second

// httpTimeout bounds every request. It must comfortably exceed the long-poll
// wait hint.
const httpTimeout = 60 * time.Second

// ErrBadResponse indicates the homeserver returned something other than the
// expected JSON shape.
var ErrBadResponse = errors.New("bad homeserver response")

// ErrLoginFailed indicates the homeserver rejected the credentials.
var ErrLoginFailed = errors.New("login rejected by homeserver")

// Credentials is the result of a successful login or guest registration.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	UserID       UserID
}

// SyncBatch is the decoded result of one sync request.
type SyncBatch struct {
	Events    []Event
	NextBatch string
}

// Client speaks the homeserver's HTTP API. It carries no per-room state;
// callers own the access token lifecycle via Login or RegisterGuest.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	token  string
}

func NewClient(base *url.URL, logger *slog.Logger) *Client {
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: httpTimeout},
		logger: logger,
	}
}

// Homeserver is the host component of the base URL, without any port. User
// identifiers derived from password logins live on this homeserver.
func (c *Client) Homeserver() string {
	return c.base.Hostname()
}

// AccessToken returns the token acquired at login, or "" before login.
func (c *Client) AccessToken() string {
	return c.token
}

func (c *Client) url(endpoint string, query url.Values) string {
	u := *c.base
	u.Path = u.Path + endpoint
	if c.token != "" {
		query.Set("access_token", c.token)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Login performs a password login. On success the client retains the access
// token and the caller receives the credentials. The user identifier is the
// user_id from the login response when it parses; otherwise it is derived
// from the username and the homeserver of the base URL.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	body := map[string]string{
		"type":     "m.login.password",
		"user":     username,
		"password": password,
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		UserID       string `json:"user_id"`
	}
	if err := c.postJSON(ctx, c.url("client/api/v1/login", url.Values{}), body, &resp); err != nil {
		return Credentials{}, err
	}
	if resp.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: login response missing access_token", ErrBadResponse)
	}

	c.token = resp.AccessToken
	creds := Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       UserID{Local: username, Homeserver: c.Homeserver()},
	}
	if resp.UserID != "" {
		if id, err := ParseUserID(resp.UserID); err == nil {
			creds.UserID = id
		}
	}
	return creds, nil
}

// RegisterGuest performs an anonymous login. The user identifier comes from
// the homeserver's response.
func (c *Client) RegisterGuest(ctx context.Context) (Credentials, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	u := c.url("client/r0/register", url.Values{"kind": []string{"guest"}})
	if err := c.postJSON(ctx, u, map[string]string{}, &resp); err != nil {
		return Credentials{}, err
	}
	if resp.AccessToken == "" || resp.UserID == "" {
		return Credentials{}, fmt.Errorf("%w: guest registration response incomplete", ErrBadResponse)
	}
	id, err := ParseUserID(resp.UserID)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: guest user id: %v", ErrBadResponse, err)
	}

	c.token = resp.AccessToken
	return Credentials{AccessToken: resp.AccessToken, UserID: id}, nil
}

func (c *Client) postJSON(ctx context.Context, u string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return ErrLoginFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// Sync performs one sync request. An empty since requests the initial full
// state; otherwise the request long-polls with the server-side wait hint
// until new events arrive or the hint elapses.
func (c *Client) Sync(ctx context.Context, since string) (SyncBatch, error) {
	query := url.Values{}
	if since == "" {
		query.Set("full_state", "true")
	} else {
		query.Set("since", since)
		query.Set("timeout", strconv.FormatInt(longPollTimeout.Milliseconds(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("client/v2_alpha/sync", query), nil)
	if err != nil {
		return SyncBatch{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SyncBatch{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return SyncBatch{}, fmt.Errorf("%w: sync status %d", ErrBadResponse, resp.StatusCode)
	}

	var raw struct {
		NextBatch string `json:"next_batch"`
		Presence  struct {
			Events []json.RawMessage `json:"events"`
		} `json:"presence"`
		Rooms struct {
			Join map[string]struct {
				State struct {
					Events []json.RawMessage `json:"events"`
				} `json:"state"`
				Timeline struct {
					Events []json.RawMessage `json:"events"`
				} `json:"timeline"`
				AccountData struct {
					Events []json.RawMessage `json:"events"`
				} `json:"account_data"`
				Ephemeral struct {
					Events []json.RawMessage `json:"events"`
				} `json:"ephemeral"`
			} `json:"join"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return SyncBatch{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if raw.NextBatch == "" {
		return SyncBatch{}, fmt.Errorf("%w: sync response missing next_batch", ErrBadResponse)
	}

	batch := SyncBatch{NextBatch: raw.NextBatch}

	// Iterate rooms in a stable order so repeated syncs decode
	// deterministically.
	roomIDs := make([]string, 0, len(raw.Rooms.Join))
	for id := range raw.Rooms.Join {
		roomIDs = append(roomIDs, id)
	}
	sort.Strings(roomIDs)

	for _, id := range roomIDs {
		join := raw.Rooms.Join[id]
		for _, ev := range join.State.Events {
			batch.Events = append(batch.Events, decodeEvent(ev, id))
		}
		for _, ev := range join.Timeline.Events {
			batch.Events = append(batch.Events, decodeEvent(ev, id))
		}
		for _, ev := range join.AccountData.Events {
			batch.Events = append(batch.Events, decodeEvent(ev, id))
		}
		for _, ev := range join.Ephemeral.Events {
			batch.Events = append(batch.Events, decodeEvent(ev, id))
		}
	}
	for _, ev := range raw.Presence.Events {
		batch.Events = append(batch.Events, decodeEvent(ev, ""))
	}

	c.logger.Debug("sync batch decoded", "events", len(batch.Events), "rooms", len(raw.Rooms.Join))
	return batch, nil
}

// SendText posts a text message to a room. The transaction ID makes the send
// idempotent across retries. The returned event ID is the homeserver's
// identifier for the new message.
func (c *Client) SendText(ctx context.Context, room RoomID, txnID uint64, body string) (string, error) {
	content := map[string]string{
		"msgtype": "m.text",
		"body":    body,
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("client/api/v1/rooms/%s/send/m.room.message/%d", room.String(), txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(endpoint, url.Values{}), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: send status %d", ErrBadResponse, resp.StatusCode)
	}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if out.EventID == "" {
		return "", fmt.Errorf("%w: send response missing event_id", ErrBadResponse)
	}
	return out.EventID, nil
}
