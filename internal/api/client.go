// Package api is the REST client for the race service: login, active room
// listing and room join. Every failure is classified into the sentinel errors
// in errors.go so callers can branch with errors.Is.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	pathLogin       = "/User/login"
	pathActiveRooms = "/RaceRoom/GetActivePublicNonCreatedRooms"
	pathJoinRoom    = "/RaceRoom/match-room-roomId"

	// jsonContentType makes resty decode results as JSON whatever the server
	// labels them.
	jsonContentType = "application/json"

	// defaultHTTPTimeout is the per-request timeout when Options leaves it unset.
	defaultHTTPTimeout = 10 * time.Second
	// defaultAlreadyMemberMarker is the phrase the backend puts in a 400 body
	// when the agent is already in the room ("zaten odadasınız").
	defaultAlreadyMemberMarker = "zaten oda"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. https://backend.movliq.com/api.
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
	// AlreadyMemberMarker identifies the already-a-member 400 response.
	AlreadyMemberMarker string
}

// Client issues the three REST calls the bot needs. It is safe for
// concurrent use.
type Client struct {
	http   *resty.Client
	marker string
}

// NewClient returns a Client for the given options.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	marker := strings.TrimSpace(opts.AlreadyMemberMarker)
	if marker == "" {
		marker = defaultAlreadyMemberMarker
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "*/*").
		SetHeader("Content-Type", "application/json")

	return &Client{http: hc, marker: strings.ToLower(marker)}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// Login authenticates one account and returns its token pair.
func (c *Client) Login(ctx context.Context, email, password string) (TokenPair, error) {
	const op = "login"

	var pair TokenPair
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{Email: email, Password: password}).
		SetResult(&pair).
		SetForceResponseContentType(jsonContentType).
		Post(pathLogin)
	if err != nil {
		return TokenPair{}, requestError(op, resp, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return TokenPair{}, err
	}
	if pair.Access() == "" {
		return TokenPair{}, fmt.Errorf("%s: %w: empty access token", op, ErrMalformed)
	}
	return pair, nil
}

// ListRooms returns the active public rooms visible to token.
func (c *Client) ListRooms(ctx context.Context, token string) ([]Room, error) {
	const op = "list rooms"

	var rooms []Room
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&rooms).
		SetForceResponseContentType(jsonContentType).
		Get(pathActiveRooms)
	if err != nil {
		return nil, requestError(op, resp, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}
	// An empty body or null decodes to nothing; a real listing is at least [].
	if rooms == nil {
		return nil, fmt.Errorf("%s: %w: empty body", op, ErrMalformed)
	}
	return rooms, nil
}

// JoinRoom asks the service to add the token's account to roomID.
//
// A 409, or a 400 whose body carries the already-a-member marker, returns an
// error wrapping ErrAlreadyMember.
func (c *Client) JoinRoom(ctx context.Context, token string, roomID int64) error {
	op := fmt.Sprintf("join room %d", roomID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(joinRequest{RoomID: roomID}).
		Post(pathJoinRoom)
	if err != nil {
		return transportError(op, err)
	}

	code := resp.StatusCode()
	if code == http.StatusConflict ||
		(code == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.String()), c.marker)) {
		return &StatusError{Op: op, Code: code, Body: resp.String(), class: ErrAlreadyMember}
	}
	return checkStatus(op, resp)
}

func checkStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{Op: op, Code: code, Body: resp.String(), class: statusClass(code)}
}

// requestError classifies an error returned by a request that expects a
// result. Once a response has arrived the error comes from decoding its body.
func requestError(op string, resp *resty.Response, err error) error {
	if resp != nil && resp.StatusCode() != 0 {
		return fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}
	return transportError(op, err)
}
