package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *HetznerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHetznerClient(HetznerConfig{Token: "test-token", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCreateServer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/servers" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
		if payload["server_type"] != "cx22" {
			t.Errorf("server_type = %v", payload["server_type"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"server": map[string]any{
				"id": 42, "name": "dep-1", "status": "initializing",
				"public_net": map[string]any{"ipv4": map[string]any{"ip": "203.0.113.5"}},
			},
			"action": map[string]any{"id": 7, "status": "running"},
		})
	}))

	server, action, err := c.CreateServer(context.Background(), CreateServerParams{
		Name:       "dep-1",
		ServerType: "cx22",
		Image:      "ubuntu-24.04",
		SSHKeyIDs:  []int64{11},
	})
	if err != nil {
		t.Fatal(err)
	}
	if server.ID != 42 || server.PublicIP != "203.0.113.5" {
		t.Errorf("server = %+v", server)
	}
	if action.ID != 7 || action.Status != "running" {
		t.Errorf("action = %+v", action)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "invalid_input", "message": "name is invalid"},
		})
	}))

	_, _, err := c.CreateServer(context.Background(), CreateServerParams{Name: "!!"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("not an APIError: %v", err)
	}
	if apiErr.Status != 422 || apiErr.Code != "invalid_input" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestDeleteTreats404AsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "not_found", "message": "server not found"},
		})
	}))

	if err := c.DeleteServer(context.Background(), 99); err != nil {
		t.Errorf("DeleteServer 404: %v", err)
	}
	if err := c.DeleteSSHKey(context.Background(), 99); err != nil {
		t.Errorf("DeleteSSHKey 404: %v", err)
	}
}

func TestWaitForAction(t *testing.T) {
	polls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "running"
		if polls >= 2 {
			status = "success"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"action": map[string]any{"id": 7, "status": status},
		})
	}))

	if err := c.WaitForAction(context.Background(), 7, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if polls < 2 {
		t.Errorf("polls = %d", polls)
	}
}

func TestWaitForActionFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"action": map[string]any{
				"id": 7, "status": "error",
				"error": map[string]any{"code": "server_error", "message": "placement failed"},
			},
		})
	}))

	err := c.WaitForAction(context.Background(), 7, time.Second)
	if err == nil {
		t.Fatal("expected failure")
	}
}
