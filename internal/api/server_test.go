package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/recording"
	"can-bus-tester/internal/schema"
	"can-bus-tester/internal/tasks"
	"can-bus-tester/internal/transport"
)

const testSchemaDoc = `{
	"name": "vehicle",
	"messages": [{
		"name": "Engine",
		"frame_id": 256,
		"length": 8,
		"signals": [
			{"name": "RPM", "start": 0, "length": 16, "scale": 0.25, "maximum": 16000},
			{"name": "Load", "start": 16, "length": 8, "maximum": 100}
		]
	}]
}`

type testAPI struct {
	ts       *httptest.Server
	bus      *transport.Loopback
	deps     Deps
	registry *tasks.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	bus := transport.NewLoopback()
	bus.SetEcho(false)

	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	recorder, err := recording.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	recorder.Attach(broadcaster)

	registry := tasks.NewRegistry(nil)
	t.Cleanup(registry.StopAll)

	deps := Deps{
		Bus:         bus,
		Broadcaster: broadcaster,
		Schemas:     schema.NewStore(),
		Registry:    registry,
		Uploads:     tasks.NewUploadStore(),
		Recorder:    recorder,
	}
	s := NewServer(Config{Port: 0}, deps)

	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)

	return &testAPI{ts: ts, bus: bus, deps: deps, registry: registry}
}

func (a *testAPI) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	resp, err := http.Post(a.ts.URL+path, "application/json", reader)
	require.NoError(t, err)
	return readJSON(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.ts.URL + path)
	require.NoError(t, err)
	return readJSON(t, resp)
}

func readJSON(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &payload), "body: %s", data)
	}
	return resp.StatusCode, payload
}

func (a *testAPI) loadSchema(t *testing.T) {
	t.Helper()
	code, _ := a.post(t, "/api/schema/load", testSchemaDoc)
	require.Equal(t, http.StatusOK, code)
}

func (a *testAPI) configure(t *testing.T) {
	t.Helper()
	code, body := a.post(t, "/api/interface/configure", map[string]any{
		"interface": "loopback", "channel": "lo0", "bitrate": 500000,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["configured"])
}

func TestHealthAndRoot(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, body = a.get(t, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "endpoints")
}

func TestSchemaLoadAndList(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.get(t, "/api/schema/messages")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := a.post(t, "/api/schema/load", testSchemaDoc)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "vehicle", body["name"])
	assert.Equal(t, float64(1), body["messages"])

	code, body = a.get(t, "/api/schema/messages")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"], 1)

	code, _ = a.post(t, "/api/schema/load", "not json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSchemaReloadStopsTasks(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, _ := a.post(t, "/api/messages/send", map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 1000}, "periodMs": 50,
	})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, a.registry.All(), 1)

	a.loadSchema(t)
	assert.Empty(t, a.registry.All(), "schema replacement stops all running tasks")
}

func TestSendValidation(t *testing.T) {
	a := newTestAPI(t)

	// No schema loaded yet.
	code, _ := a.post(t, "/api/messages/send", map[string]any{"messageName": "Engine"})
	assert.Equal(t, http.StatusBadRequest, code)

	a.loadSchema(t)

	code, _ = a.post(t, "/api/messages/send", map[string]any{"messageName": "Unknown"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body := a.post(t, "/api/messages/send", map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 99999},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "outside range")

	// Valid frame, but the bus is not configured.
	code, _ = a.post(t, "/api/messages/send", map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 1000},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOneShotSend(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, body := a.post(t, "/api/messages/send", map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 3000, "Load": 50},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sent", body["status"])

	sent := a.bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(0x100), sent[0].ID)
	assert.Equal(t, uint8(8), sent[0].DLC)
}

func TestPeriodicLifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	start := map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 1000}, "periodMs": 20,
	}
	code, body := a.post(t, "/api/messages/send", start)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "periodic", body["status"])
	assert.Equal(t, true, body["created"])

	// Starting again returns the existing task.
	code, body = a.post(t, "/api/messages/send", start)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["created"])

	code, body = a.get(t, "/api/messages/tasks?messageName=Engine")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tasks"], 1)

	code, body = a.post(t, "/api/messages/stop", map[string]any{"messageName": "Engine"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["status"])

	code, body = a.post(t, "/api/messages/stop", map[string]any{"messageName": "Engine"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not-running", body["status"])
}

func TestChaserCodeUploadFlow(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	// Chaser without an upload is rejected.
	code, _ := a.post(t, "/api/chaser/start", map[string]any{
		"messageName": "Engine", "intervalSeconds": 100.0, "mode": "codes", "source": "hex-list",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.post(t, "/api/chaser/upload/hex?messageName=Engine",
		"0x10, first\n0x20, second\nbogus\n")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(1), body["invalidCount"])

	code, body = a.post(t, "/api/chaser/start", map[string]any{
		"messageName": "Engine", "intervalSeconds": 100.0, "mode": "codes", "source": "hex-list",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["created"])

	code, body = a.get(t, "/api/chaser/status?messageName=Engine")
	require.Equal(t, http.StatusOK, code)
	statuses := body["tasks"].([]any)
	require.Len(t, statuses, 1)
	task := statuses[0].(map[string]any)
	assert.Equal(t, "codes", task["mode"])
	assert.Equal(t, float64(2), task["codeCount"])

	code, body = a.post(t, "/api/chaser/stop", map[string]any{"messageName": "Engine"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["status"])
}

func TestChaserRangeRequiresBounds(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, _ := a.post(t, "/api/chaser/start", map[string]any{
		"messageName": "Engine", "intervalSeconds": 100.0, "mode": "codes", "source": "range",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/api/chaser/start", map[string]any{
		"messageName": "Engine", "intervalSeconds": 100.0, "mode": "codes", "source": "range",
		"rangeStart": 16, "rangeEnd": 18,
	})
	assert.Equal(t, http.StatusOK, code)
}

func TestDecimalUploadRequiresTargetSignal(t *testing.T) {
	a := newTestAPI(t)
	a.loadSchema(t)

	code, _ := a.post(t, "/api/chaser/upload/decimal?messageName=Engine", "100\n")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.post(t, "/api/chaser/upload/decimal?messageName=Engine&targetSignal=RPM", "100\n200\n")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])
}

func TestFaultLifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, body := a.post(t, "/api/fault/start", map[string]any{
		"messageName": "Engine", "faultType": "zero-data", "count": 2, "intervalSeconds": 0.005,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["created"])

	require.Eventually(t, func() bool {
		return len(a.bus.Sent()) == 2 && len(a.registry.StatusFor("Engine")) == 0
	}, 2*time.Second, 5*time.Millisecond, "fault run must self-complete")

	code, body = a.get(t, "/api/fault/status")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["tasks"])

	code, body = a.post(t, "/api/fault/stop", map[string]any{"messageName": "Engine"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not-running", body["status"])
}

func TestRecordingLifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, body := a.post(t, "/api/logs/start", map[string]any{"name": "session"})
	require.Equal(t, http.StatusOK, code)
	id := body["id"].(string)
	require.NotEmpty(t, id)

	// A second start conflicts and reports the active recording.
	code, body = a.post(t, "/api/logs/start", nil)
	assert.Equal(t, http.StatusConflict, code)
	active := body["active"].(map[string]any)
	assert.Equal(t, id, active["id"])

	code, _ = a.post(t, "/api/messages/send", map[string]any{
		"messageName": "Engine", "signals": map[string]float64{"RPM": 1000},
	})
	require.Equal(t, http.StatusOK, code)

	// The recorder consumes the stream asynchronously.
	require.Eventually(t, func() bool {
		_, body := a.get(t, "/api/logs")
		active, ok := body["active"].(map[string]any)
		return ok && active["event_count"] == float64(1)
	}, 2*time.Second, 5*time.Millisecond)

	code, body = a.post(t, "/api/logs/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["event_count"])

	code, body = a.get(t, "/api/logs")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["active"])
	assert.Len(t, body["logs"], 1)

	code, body = a.get(t, "/api/logs/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 1)

	code, _ = a.get(t, "/api/logs/nope")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.post(t, "/api/logs/"+id+"/decode", testSchemaDoc)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["events_total"])
	series := body["series"].([]any)
	require.NotEmpty(t, series)
	keys := make([]string, 0, len(series))
	for _, s := range series {
		keys = append(keys, s.(map[string]any)["key"].(string))
	}
	assert.Contains(t, keys, "Engine.RPM")

	code, _ = a.post(t, "/api/logs/stop", nil)
	assert.Equal(t, http.StatusBadRequest, code, "stop with nothing active fails")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	a := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return a.deps.Broadcaster.ListenerCount() > 0
	}, time.Second, 5*time.Millisecond)

	a.deps.Broadcaster.Publish(models.Event{
		Type: models.EventTX, ID: 0x100, DLC: 8, Data: []int{1, 2, 3, 4, 5, 6, 7, 8},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventTX, ev.Type)
	assert.Equal(t, uint32(0x100), ev.ID)
	assert.NotZero(t, ev.Timestamp)
}

func TestInterfaceStatusAndConfigure(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.get(t, "/api/interface/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["configured"])

	code, _ = a.post(t, "/api/interface/configure", map[string]any{"interface": "loopback"})
	assert.Equal(t, http.StatusBadRequest, code, "channel is required")

	a.configure(t)
	code, body = a.get(t, "/api/interface/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["configured"])
	assert.Equal(t, "lo0", body["channel"])

	code, _ = a.get(t, "/api/interface/stats")
	assert.Equal(t, http.StatusNotFound, code, "no collector attached")
}

func TestCORSMiddleware(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, a.ts.URL+"/api/logs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestFaultStartValidation(t *testing.T) {
	a := newTestAPI(t)
	a.configure(t)
	a.loadSchema(t)

	code, body := a.post(t, "/api/fault/start", map[string]any{
		"messageName": "Engine", "faultType": "bogus", "count": 1, "intervalSeconds": 1.0,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, fmt.Sprint(body["error"]), "unknown fault type")
}
