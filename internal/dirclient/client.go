// Package dirclient is the device-side client for the remote household
// directory. It is a stateless request wrapper: every call is a single
// bounded-timeout round trip, and failures map onto the shared error taxonomy
// so callers can tell a retriable outage from a user-correctable mistake.
package dirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/shared"
)

// Directory is the contract the binding protocol and the isolation guard
// consume. *Client implements it over HTTP.
type Directory interface {
	VerifyInviteCode(ctx context.Context, code string) (bool, error)
	GetHouseholdByInviteCode(ctx context.Context, code string) (*directory.Household, error)
	RosterByInviteCode(ctx context.Context, code string) ([]directory.Member, error)
	CreateHousehold(ctx context.Context, name string) (*directory.Household, error)
	JoinHousehold(ctx context.Context, inviteCode string, role directory.Role) (*directory.Household, error)
	ListMembers(ctx context.Context, householdID string) ([]directory.Member, error)
	ListDependents(ctx context.Context, householdID string) ([]directory.Member, error)
	ResolveHouseholdForMember(ctx context.Context, memberID string) (*directory.Household, error)
	GetTargetSelection(ctx context.Context, dependentID string) (*directory.TargetSelection, error)
	Login(ctx context.Context, email, password string) (*directory.Member, error)
	Logout(ctx context.Context) error
	BindDevice(ctx context.Context, inviteCode, memberID, deviceID string) (*BindResult, error)
}

// BindResult is the directory's answer to a device bind.
type BindResult struct {
	Token     string               `json:"token"`
	Household *directory.Household `json:"household"`
	Member    *directory.Member    `json:"member"`
}

// Client talks to the directory server.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New constructs a Client with a bounded per-request timeout so a directory
// outage surfaces as a retryable error instead of hanging a protocol stage.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken installs the session token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ClearToken drops the session token. Called on sign-out and on any
// security-invariant violation, where keeping the session is the hazard.
func (c *Client) ClearToken() {
	c.SetToken("")
}

// Token returns the current session token, empty when signed out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) VerifyInviteCode(ctx context.Context, code string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodGet, "/invites/"+url.PathEscape(code), nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) GetHouseholdByInviteCode(ctx context.Context, code string) (*directory.Household, error) {
	var h directory.Household
	if err := c.do(ctx, http.MethodGet, "/households/by-code/"+url.PathEscape(code), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) RosterByInviteCode(ctx context.Context, code string) ([]directory.Member, error) {
	var members []directory.Member
	if err := c.do(ctx, http.MethodGet, "/households/by-code/"+url.PathEscape(code)+"/members", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) CreateHousehold(ctx context.Context, name string) (*directory.Household, error) {
	var h directory.Household
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/households", body, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) JoinHousehold(ctx context.Context, inviteCode string, role directory.Role) (*directory.Household, error) {
	var h directory.Household
	body := map[string]string{"invite_code": inviteCode, "role": string(role)}
	if err := c.do(ctx, http.MethodPost, "/households/join", body, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) ListMembers(ctx context.Context, householdID string) ([]directory.Member, error) {
	var members []directory.Member
	if err := c.do(ctx, http.MethodGet, "/households/"+url.PathEscape(householdID)+"/members", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) ListDependents(ctx context.Context, householdID string) ([]directory.Member, error) {
	var members []directory.Member
	if err := c.do(ctx, http.MethodGet, "/households/"+url.PathEscape(householdID)+"/dependents", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) ResolveHouseholdForMember(ctx context.Context, memberID string) (*directory.Household, error) {
	var h directory.Household
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(memberID)+"/household", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) GetTargetSelection(ctx context.Context, dependentID string) (*directory.TargetSelection, error) {
	var sel directory.TargetSelection
	if err := c.do(ctx, http.MethodGet, "/dependents/"+url.PathEscape(dependentID)+"/targets", nil, &sel); err != nil {
		return nil, err
	}
	return &sel, nil
}

// Login authenticates guardian credentials and installs the session token.
func (c *Client) Login(ctx context.Context, email, password string) (*directory.Member, error) {
	var resp struct {
		Token  string            `json:"token"`
		Member *directory.Member `json:"member"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return resp.Member, nil
}

// Logout tears down the server session and drops the local token. The token
// is cleared even if the server call fails; a dangling server session expires
// by TTL, while a dangling local token is a live credential.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.ClearToken()
	return err
}

// BindDevice finalizes a binding with the directory and installs the returned
// device session token.
func (c *Client) BindDevice(ctx context.Context, inviteCode, memberID, deviceID string) (*BindResult, error) {
	var resp BindResult
	body := map[string]string{"invite_code": inviteCode, "member_id": memberID, "device_id": deviceID}
	if err := c.do(ctx, http.MethodPost, "/devices/bind", body, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dirclient: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("dirclient: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", shared.ErrUnavailable, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&problem)
	detail := problem.Detail
	if detail == "" {
		detail = problem.Title
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", shared.ErrNotFound, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", shared.ErrUnauthorized, detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", shared.ErrConflict, detail)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", shared.ErrInvalid, detail)
	default:
		return fmt.Errorf("%w: directory returned %d: %s", shared.ErrUnavailable, resp.StatusCode, detail)
	}
}
