package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/device-hub-core/internal/auth"
)

// dialWS opens a push protocol connection against the test server.
func dialWS(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/websocket?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialling websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads the next data frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	//nolint:errcheck // Read error below reports the failure
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

// expectNoFrame asserts nothing arrives within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	//nolint:errcheck // Timeout is the expected outcome
	conn.SetReadDeadline(time.Now().Add(window))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err == nil {
		t.Fatalf("unexpected frame: %v", frame)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestWebSocketSubscribeEchoesRequestID(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL, adminToken(t))

	writeFrame(t, conn, map[string]any{
		"action":    "notification/subscribe",
		"requestId": "r-1",
	})

	frame := readFrame(t, conn)
	if frame["status"] != "success" {
		t.Fatalf("subscribe frame = %v, want success", frame)
	}
	if frame["requestId"] != "r-1" {
		t.Errorf("requestId = %v, want r-1", frame["requestId"])
	}
	if id, _ := frame["subscriptionId"].(string); id == "" {
		t.Error("subscribe response missing subscriptionId")
	}
}

func TestWebSocketUnknownActionErrorEchoesRequestID(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts.URL, adminToken(t))

	writeFrame(t, conn, map[string]any{
		"action":    "bogus/action",
		"requestId": "r-9",
	})

	frame := readFrame(t, conn)
	if frame["status"] != "error" {
		t.Fatalf("frame = %v, want error status", frame)
	}
	if frame["requestId"] != "r-9" {
		t.Errorf("requestId = %v, want r-9", frame["requestId"])
	}
	if msg, _ := frame["error"].(string); msg == "" {
		t.Error("error frame missing message")
	}
}

func TestWebSocketPushAfterSubscribe(t *testing.T) {
	_, ts := newTestServer(t)
	admin := adminToken(t)
	registerDevice(t, ts.URL, admin, "dev-1")

	conn := dialWS(t, ts.URL, admin)
	writeFrame(t, conn, map[string]any{
		"action":    "notification/subscribe",
		"requestId": "r-1",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if frame := readFrame(t, conn); frame["status"] != "success" {
		t.Fatalf("subscribe failed: %v", frame)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/device/dev-1/notification", admin,
		map[string]any{"notification": "door-open"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", resp.StatusCode)
	}

	frame := readFrame(t, conn)
	if frame["action"] != "notification/insert" {
		t.Fatalf("push frame action = %v, want notification/insert", frame["action"])
	}
	if frame["deviceGuid"] != "dev-1" {
		t.Errorf("push frame device = %v, want dev-1", frame["deviceGuid"])
	}
	payload, _ := frame["notification"].(map[string]any)
	if payload["notification"] != "door-open" {
		t.Errorf("push payload = %v, want door-open", payload)
	}
}

func TestWebSocketReplayThenLiveExactlyOnce(t *testing.T) {
	_, ts := newTestServer(t)
	admin := adminToken(t)
	registerDevice(t, ts.URL, admin, "dev-1")

	since := time.Now().UTC().Add(-time.Minute)

	// Stored before the connection exists; reaches the client by replay.
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/device/dev-1/notification", admin,
		map[string]any{"notification": "n-before"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", resp.StatusCode)
	}

	conn := dialWS(t, ts.URL, admin)
	writeFrame(t, conn, map[string]any{
		"action":    "notification/subscribe",
		"requestId": "r-1",
		"timestamp": since.Format(time.RFC3339Nano),
	})
	if frame := readFrame(t, conn); frame["status"] != "success" {
		t.Fatalf("subscribe failed: %v", frame)
	}

	// Appended while the subscription is live; reaches the client by push.
	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/device/dev-1/notification", admin,
		map[string]any{"notification": "n-after"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", resp.StatusCode)
	}

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		if frame["action"] != "notification/insert" {
			t.Fatalf("frame action = %v, want notification/insert", frame["action"])
		}
		payload, _ := frame["notification"].(map[string]any)
		name, _ := payload["notification"].(string)
		seen[name]++
	}
	if seen["n-before"] != 1 || seen["n-after"] != 1 {
		t.Fatalf("delivery counts = %v, want each entity exactly once", seen)
	}
	expectNoFrame(t, conn, 300*time.Millisecond)
}

func TestWebSocketSubscribeListAndUnsubscribe(t *testing.T) {
	_, ts := newTestServer(t)
	admin := adminToken(t)
	registerDevice(t, ts.URL, admin, "dev-1")

	conn := dialWS(t, ts.URL, admin)
	writeFrame(t, conn, map[string]any{
		"action":    "command/subscribe",
		"requestId": "r-1",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	frame := readFrame(t, conn)
	if frame["status"] != "success" {
		t.Fatalf("subscribe failed: %v", frame)
	}
	subID, _ := frame["subscriptionId"].(string)

	writeFrame(t, conn, map[string]any{"action": "subscribe/list", "requestId": "r-2"})
	frame = readFrame(t, conn)
	if frame["requestId"] != "r-2" {
		t.Fatalf("list requestId = %v, want r-2", frame["requestId"])
	}
	subs, _ := frame["subscriptions"].([]any)
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %v, want exactly one", frame["subscriptions"])
	}

	writeFrame(t, conn, map[string]any{
		"action":         "command/unsubscribe",
		"requestId":      "r-3",
		"subscriptionId": subID,
	})
	if frame := readFrame(t, conn); frame["status"] != "success" || frame["requestId"] != "r-3" {
		t.Fatalf("unsubscribe frame = %v", frame)
	}

	// No deliveries after unsubscribe.
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/device/dev-1/command", admin,
		map[string]any{"command": "reboot"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", resp.StatusCode)
	}
	expectNoFrame(t, conn, 300*time.Millisecond)
}

func TestWebSocketInsertCommand(t *testing.T) {
	_, ts := newTestServer(t)
	admin := adminToken(t)
	registerDevice(t, ts.URL, admin, "dev-1")

	conn := dialWS(t, ts.URL, admin)
	writeFrame(t, conn, map[string]any{
		"action":     "command/insert",
		"requestId":  "r-1",
		"deviceGuid": "dev-1",
		"command":    map[string]any{"command": "reboot", "parameters": map[string]any{"delay": 5}},
	})

	frame := readFrame(t, conn)
	if frame["status"] != "success" || frame["requestId"] != "r-1" {
		t.Fatalf("insert frame = %v", frame)
	}
	if id, _ := frame["id"].(float64); id == 0 {
		t.Error("insert response missing assigned id")
	}
}

func TestWebSocketSubscribeScopedByPermissions(t *testing.T) {
	_, ts := newTestServer(t)
	admin := adminToken(t)
	registerDevice(t, ts.URL, admin, "dev-1")
	registerDevice(t, ts.URL, admin, "dev-2")

	limited := mintToken(t, []auth.PermissionRecord{
		{Actions: []string{auth.ActionNotificationGet}, DeviceIDs: []string{"dev-1"}},
	})
	conn := dialWS(t, ts.URL, limited)
	writeFrame(t, conn, map[string]any{
		"action":    "notification/subscribe",
		"requestId": "r-1",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if frame := readFrame(t, conn); frame["status"] != "success" {
		t.Fatalf("subscribe failed: %v", frame)
	}

	for _, guid := range []string{"dev-1", "dev-2"} {
		resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/device/"+guid+"/notification", admin,
			map[string]any{"notification": "ping"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("insert status = %d, want 201", resp.StatusCode)
		}
	}

	frame := readFrame(t, conn)
	if frame["deviceGuid"] != "dev-1" {
		t.Fatalf("delivery from inaccessible device: %v", frame)
	}
	expectNoFrame(t, conn, 300*time.Millisecond)
}
