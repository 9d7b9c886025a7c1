package dirclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/shared"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second)
}

func TestVerifyInviteCode(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invites/482193" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	})

	ok, err := client.VerifyInviteCode(context.Background(), "482193")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected valid code")
	}
}

func TestLoginInstallsToken(t *testing.T) {
	var sawAuth string
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":  "tok-123",
				"member": &directory.Member{ID: "g1", Role: directory.RoleGuardian},
			})
		case "/households/h1/members":
			sawAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode([]directory.Member{})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	ctx := context.Background()
	member, err := client.Login(ctx, "g1@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if member.ID != "g1" {
		t.Fatalf("unexpected member: %+v", member)
	}
	if client.Token() != "tok-123" {
		t.Fatalf("token not installed: %q", client.Token())
	}

	if _, err := client.ListMembers(ctx, "h1"); err != nil {
		t.Fatalf("list members: %v", err)
	}
	if sawAuth != "Bearer tok-123" {
		t.Fatalf("bearer token not sent: %q", sawAuth)
	}
}

func TestLogoutClearsTokenEvenOnServerError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client.SetToken("tok-123")

	err := client.Logout(context.Background())
	if err == nil {
		t.Fatal("expected server error surfaced")
	}
	if client.Token() != "" {
		t.Fatal("local token must be dropped regardless of server outcome")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, shared.ErrNotFound},
		{http.StatusUnauthorized, shared.ErrUnauthorized},
		{http.StatusForbidden, shared.ErrUnauthorized},
		{http.StatusConflict, shared.ErrConflict},
		{http.StatusBadRequest, shared.ErrInvalid},
		{http.StatusBadGateway, shared.ErrUnavailable},
	}
	for _, tc := range cases {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "nope"})
		})
		_, err := client.GetHouseholdByInviteCode(context.Background(), "482193")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestBindDeviceInstallsDeviceToken(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/bind" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["invite_code"] != "482193" || body["member_id"] != "d1" || body["device_id"] != "dev-1" {
			t.Fatalf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(BindResult{
			Token:     "device-tok",
			Household: &directory.Household{ID: "h1"},
			Member:    &directory.Member{ID: "d1"},
		})
	})

	res, err := client.BindDevice(context.Background(), "482193", "d1", "dev-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if res.Household.ID != "h1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if client.Token() != "device-tok" {
		t.Fatalf("device token not installed: %q", client.Token())
	}
}
