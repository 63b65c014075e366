package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/orchestrator"
	"github.com/anteup/roomlink/internal/store"
	"github.com/anteup/roomlink/internal/transport"
)

func newServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	tr := transport.NewMemoryTransport()
	st := store.NewMemoryStore()
	st.PutRoom("R1", store.RoomInfo{Status: store.RoomWaiting, MaxPlayers: 2, GameType: "ludo"})
	o := orchestrator.New(orchestrator.Options{
		Transport:       tr,
		Store:           st,
		HeartbeatPeriod: time.Hour,
		Logger:          zap.NewNop(),
	})
	srv := httptest.NewServer(SetupRoutes(o))
	t.Cleanup(func() {
		srv.Close()
		o.Close()
		tr.Close()
	})
	return srv, st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitConnected(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/rooms/R1/status")
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var body struct {
			State string `json:"state"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if body.State == "connected" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room never connected")
}

func TestConnectReadyStatusFlow(t *testing.T) {
	srv, st := newServer(t)

	resp := postJSON(t, srv.URL+"/rooms/R1/connect", `{"user_id":"alice"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect: want 202, got %d", resp.StatusCode)
	}

	// the subscribe confirmation is asynchronous; wait for it before ready
	waitConnected(t, srv.URL)

	resp = postJSON(t, srv.URL+"/rooms/R1/ready", `{"user_id":"alice","ready":true}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ready: want 202, got %d", resp.StatusCode)
	}
	if !st.PlayerReady("R1", "alice") {
		t.Fatalf("ready flag must be persisted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/rooms/R1/status")
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var body struct {
			State    string          `json:"state"`
			Healthy  bool            `json:"healthy"`
			Presence json.RawMessage `json:"presence"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if body.State == "connected" && body.Healthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room never reached a healthy connected state: %+v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectValidation(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/rooms/R1/connect", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user_id: want 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/rooms/ghost/connect", `{"user_id":"alice"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unknown room: want 502, got %d", resp.StatusCode)
	}
}
