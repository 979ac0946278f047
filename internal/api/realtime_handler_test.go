package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/testutil"
	"github.com/coder/websocket"
)

func TestRealtimeHandler_Rejects(t *testing.T) {
	f := newFixture(t, testutil.NewTextLLM("x"), fixtureOpts{})
	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown table", "/api/realtime?table=profiles&access_token=" + f.token, http.StatusBadRequest},
		{"bad filter", "/api/realtime?table=messages&filter=contact_id&access_token=" + f.token, http.StatusBadRequest},
		{"no token", "/api/realtime?table=messages", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(testutil.CreateHTTPRequest(t, http.MethodGet, tt.target, nil))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestRealtimeHandler_ReceivesPauseToggle(t *testing.T) {
	f := newFixture(t, testutil.NewTextLLM("x"), fixtureOpts{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/realtime?table=organizations&access_token=" + f.token
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	for f.hub.ConnectionCount() < 1 {
		select {
		case <-ctx.Done():
			t.Fatal("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	testutil.AssertHTTPStatus(t, http.StatusOK, f.authed(t, http.MethodPost, "/api/ai-pause/toggle", nil).Code, "toggle")

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Table  string                 `json:"table"`
		Action string                 `json:"action"`
		Record map[string]interface{} `json:"record"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Table != "organizations" || ev.Action != "UPDATE" || ev.Record["ai_paused"] != true {
		t.Errorf("unexpected event %+v", ev)
	}
}
