// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package provision ensures that a chat room exists before a simulation
// starts, using the REST API of the chat service.
package provision

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/creachadair/chatsim"
)

const roomsPath = "/api/v1/rooms"

// A Client provisions rooms on a chat service.
type Client struct {
	// BaseURL is the HTTP root of the service, for example
	// "http://localhost:8080".
	BaseURL string

	// HTTP is the client used for requests. If nil, http.DefaultClient is
	// used.
	HTTP *http.Client
}

// FromServerURL returns a client for the service whose WebSocket endpoint is
// at server. The scheme ws is rewritten to http (and wss to https), and a
// trailing /ws path element is removed.
func FromServerURL(server string) (*Client, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// OK
	default:
		return nil, fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: missing host", server)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery, u.Fragment = "", ""
	return &Client{BaseURL: u.String()}, nil
}

func (c *Client) httpClient() *http.Client { return cmp.Or(c.HTTP, http.DefaultClient) }

// Ensure creates a room for name if one does not already exist, and returns
// a handle for it. The room is created with a display name that has its
// first letter capitalized. A conflict reply from the service means the room
// exists, which is not an error. If the existing room cannot then be found
// in the service's room list, the handle uses the name as its ID; a session
// joining such a room adopts the ID the service reports in its reply.
//
// Any error reported by Ensure has concrete type *chatsim.ProvisioningError.
func (c *Client) Ensure(ctx context.Context, name string) (chatsim.RoomHandle, error) {
	display := DisplayName(name)
	body, _ := json.Marshal(map[string]string{"name": display})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+roomsPath, bytes.NewReader(body))
	if err != nil {
		return chatsim.RoomHandle{}, &chatsim.ProvisioningError{Room: name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.httpClient().Do(req)
	if err != nil {
		return chatsim.RoomHandle{}, &chatsim.ProvisioningError{Room: name, Err: err}
	}
	defer rsp.Body.Close()

	switch rsp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var room roomInfo
		if err := json.NewDecoder(rsp.Body).Decode(&room); err != nil {
			return chatsim.RoomHandle{}, &chatsim.ProvisioningError{
				Room: name, Status: rsp.StatusCode, Err: fmt.Errorf("invalid response: %w", err),
			}
		}
		return chatsim.RoomHandle{ID: cmp.Or(room.ID, name), Name: cmp.Or(room.Name, display)}, nil

	case http.StatusConflict:
		io.Copy(io.Discard, rsp.Body)
		if h, ok := c.lookup(ctx, name); ok {
			return h, nil
		}
		return chatsim.RoomHandle{ID: name, Name: display}, nil
	}

	return chatsim.RoomHandle{}, &chatsim.ProvisioningError{
		Room: name, Status: rsp.StatusCode, Err: errorText(rsp.Body),
	}
}

// Lookup reports the room whose name matches name without regard to case, if
// the service lists one.
func (c *Client) Lookup(ctx context.Context, name string) (chatsim.RoomHandle, error) {
	rooms, err := c.list(ctx)
	if err != nil {
		return chatsim.RoomHandle{}, err
	}
	for _, r := range rooms {
		if strings.EqualFold(r.Name, name) {
			return chatsim.RoomHandle{ID: r.ID, Name: r.Name}, nil
		}
	}
	return chatsim.RoomHandle{}, fmt.Errorf("room %q not found", name)
}

func (c *Client) lookup(ctx context.Context, name string) (chatsim.RoomHandle, bool) {
	h, err := c.Lookup(ctx, name)
	return h, err == nil && h.ID != ""
}

type roomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) list(ctx context.Context) ([]roomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+roomsPath, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: status %d: %w", rsp.StatusCode, errorText(rsp.Body))
	}

	// The service reports {"rooms": [...]}, but accept a bare list too.
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Rooms []roomInfo `json:"rooms"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Rooms, nil
	}
	var bare []roomInfo
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("invalid room list: %w", err)
	}
	return bare, nil
}

// errorText extracts an error message from a response body of the form
// {"error": "..."}, or uses the body text if it is not in that form.
func errorText(r io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var obj struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Error != "" {
		return errors.New(obj.Error)
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return errors.New(text)
	}
	return errors.New("no error detail")
}

// DisplayName returns name with its first letter in upper case and the rest
// in lower case.
func DisplayName(name string) string {
	r, n := utf8.DecodeRuneInString(name)
	if n == 0 {
		return name
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(name[n:])
}
