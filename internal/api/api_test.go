package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camwatch/camwatch-server/internal/auth"
	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

type okEncoder struct{}

func (okEncoder) Encode(ctx context.Context, job encoder.Job) encoder.Result {
	if err := os.WriteFile(job.OutputPath, []byte("mp4"), 0o644); err != nil {
		return encoder.Result{Err: err}
	}
	return encoder.Result{OutputPath: job.OutputPath, SizeBytes: 3}
}

type testServer struct {
	cfg   *config.Config
	store *storage.MemoryStore
	clock *clock.FakeClock
	coord *coordinator.Coordinator
	api   *RESTServer
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Media.RootDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	ts := &testServer{
		cfg:   cfg,
		store: storage.NewMemoryStore(),
		clock: clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	ts.coord = coordinator.New(context.Background(), coordinator.Deps{
		Store:   ts.store,
		Clock:   ts.clock,
		Encoder: okEncoder{},
		Hub:     broadcast.NewHub(cfg.Broadcast.SubscriberBuffer),
		Layout:  media.NewLayout(cfg.Media.RootDir, cfg.Media.PublicPrefix),
	}, coordinator.Options{
		DefaultDuration: cfg.Stream.DefaultDuration,
		MaxDuration:     cfg.Stream.MaxDuration,
		FinalizeBuffer:  cfg.Stream.FinalizeBuffer,
		AutoRegister:    cfg.Devices.AutoRegister,
	})
	t.Cleanup(ts.coord.Close)

	if err := ts.coord.SeedDevices(context.Background(), cfg.Devices.Seed); err != nil {
		t.Fatal(err)
	}
	ts.api = NewRESTServer(cfg, ts.coord)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func withCameras(cfg *config.Config) {
	cfg.Devices.Seed = []config.DeviceSeed{{ID: "cam1"}, {ID: "cam2"}}
}

func TestPhotoRequestConsumedOnce(t *testing.T) {
	ts := newTestServer(t, withCameras)

	rec := ts.do(t, "POST", "/api/v1/devices/cam1/request-photo", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request-photo = %d %s", rec.Code, rec.Body)
	}
	ts.do(t, "POST", "/api/v1/devices/cam1/request-photo", nil, nil)

	want := []string{"photo", "none"}
	for i, w := range want {
		rec := ts.do(t, "GET", "/api/v1/devices/cam1/next-action", nil, nil)
		var resp nextActionResponse
		decode(t, rec, &resp)
		if string(resp.Action) != w {
			t.Errorf("poll %d = %s, want %s", i, resp.Action, w)
		}
	}
}

func TestStreamIngestion(t *testing.T) {
	ts := newTestServer(t, withCameras)

	rec := ts.do(t, "POST", "/api/v1/devices/cam1/request-stream", strings.NewReader(`{"durationSeconds": 10}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request-stream = %d %s", rec.Code, rec.Body)
	}
	var started struct {
		SessionID   string    `json:"sessionId"`
		StreamUntil time.Time `json:"streamUntil"`
	}
	decode(t, rec, &started)

	rec = ts.do(t, "GET", "/api/v1/devices/cam1/next-action", nil, nil)
	var action nextActionResponse
	decode(t, rec, &action)
	if action.Action != "stream" || *action.StreamRemainingSeconds != 10 || *action.StreamDurationSeconds != 10 {
		t.Errorf("next-action = %+v", action)
	}

	// Raw body upload
	rec = ts.do(t, "POST", "/api/v1/devices/cam1/frame", bytes.NewReader([]byte("frame-one")), map[string]string{"Content-Type": "image/jpeg"})
	var res coordinator.FrameResult
	decode(t, rec, &res)
	if !res.Persisted || *res.FrameCount != 1 || res.SessionID.String() != started.SessionID {
		t.Errorf("raw frame = %+v", res)
	}

	// Multipart upload as sent by agent firmware
	body, contentType := multipartImage(t, []byte("frame-two"))
	rec = ts.do(t, "POST", "/api/v1/devices/cam1/frame", body, map[string]string{"Content-Type": contentType})
	decode(t, rec, &res)
	if *res.FrameCount != 2 {
		t.Errorf("multipart frame count = %d", *res.FrameCount)
	}

	rec = ts.do(t, "GET", "/api/v1/devices/cam1/live-frame", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "frame-two" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("live-frame = %d %q", rec.Code, rec.Body)
	}

	ts.clock.Advance(15 * time.Second)

	rec = ts.do(t, "GET", "/api/v1/streams/"+started.SessionID, nil, nil)
	var session models.StreamSession
	decode(t, rec, &session)
	if session.Status != models.SessionStatusCompleted || session.FrameCount != 2 || session.BytesSent != 18 {
		t.Errorf("session = %s %d/%d", session.Status, session.FrameCount, session.BytesSent)
	}

	rec = ts.do(t, "GET", "/api/v1/streams/"+started.SessionID+"/video", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "mp4" {
		t.Errorf("video = %d %q", rec.Code, rec.Body)
	}

	rec = ts.do(t, "GET", "/api/v1/media-events?type=video&deviceId=cam1", nil, nil)
	var events struct {
		Events []models.MediaEvent `json:"events"`
		Total  int64               `json:"total"`
	}
	decode(t, rec, &events)
	if events.Total != 1 || events.Events[0].URL == "" {
		t.Errorf("media events = %+v", events)
	}

	rec = ts.do(t, "GET", events.Events[0].URL, nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "mp4" {
		t.Errorf("static media = %d", rec.Code)
	}
}

func TestRequestStreamRequiresDuration(t *testing.T) {
	ts := newTestServer(t, withCameras)

	tests := []struct {
		name string
		path string
		body io.Reader
	}{
		{"no body", "/api/v1/devices/cam1/request-stream", nil},
		{"empty object", "/api/v1/devices/cam1/request-stream", strings.NewReader(`{}`)},
		{"initiator only", "/api/v1/devices/cam1/request-stream", strings.NewReader(`{"initiatedBy": "ops"}`)},
		{"zero duration", "/api/v1/devices/cam1/request-stream", strings.NewReader(`{"durationSeconds": 0}`)},
		{"legacy no body", "/api/cameras/cam1/request-stream", nil},
		{"legacy empty object", "/api/cameras/cam1/request-stream", strings.NewReader(`{}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", tt.path, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", rec.Code, rec.Body)
			}
		})
	}

	rec := ts.do(t, "GET", "/api/v1/streams", nil, nil)
	var list struct {
		Total int64 `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 0 {
		t.Errorf("%d sessions created by rejected requests", list.Total)
	}
	if n := len(ts.coord.PendingFinalizations()); n != 0 {
		t.Errorf("%d finalizations scheduled by rejected requests", n)
	}
	rec = ts.do(t, "GET", "/api/v1/devices/cam1/next-action", nil, nil)
	var action map[string]interface{}
	decode(t, rec, &action)
	if action["action"] != "none" {
		t.Errorf("next-action = %v, want none", action)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, withCameras)
	ts.do(t, "PUT", "/api/v1/devices/cam2/enabled", strings.NewReader(`{"enabled": false}`), nil)

	rec := ts.do(t, "POST", "/api/v1/devices/cam1/request-stream", strings.NewReader(`{"durationSeconds": 30}`), nil)
	var active struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, rec, &active)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown device", "POST", "/api/v1/devices/ghost/request-photo", "", http.StatusNotFound},
		{"unknown device poll", "GET", "/api/v1/devices/ghost/next-action", "", http.StatusNotFound},
		{"duration too long", "POST", "/api/v1/devices/cam1/request-stream", `{"durationSeconds": 9999}`, http.StatusBadRequest},
		{"malformed body", "POST", "/api/v1/devices/cam1/request-stream", `{`, http.StatusBadRequest},
		{"disabled device", "POST", "/api/v1/devices/cam2/request-photo", "", http.StatusConflict},
		{"empty frame", "POST", "/api/v1/devices/cam1/frame", "", http.StatusBadRequest},
		{"no live frame", "GET", "/api/v1/devices/cam2/live-frame", "", http.StatusNotFound},
		{"bad session id", "GET", "/api/v1/streams/not-a-uuid", "", http.StatusBadRequest},
		{"unknown session", "GET", "/api/v1/streams/00000000-0000-0000-0000-000000000001", "", http.StatusNotFound},
		{"regenerate active", "POST", "/api/v1/streams/" + active.SessionID + "/regenerate", "", http.StatusConflict},
		{"bad data usage type", "POST", "/api/v1/devices/cam1/data-usage", `{"type": "video", "bytes": 10}`, http.StatusBadRequest},
		{"bad device id", "POST", "/api/v1/devices", `{"id": "a/b"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, strings.NewReader(tt.body), nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
			var body map[string]interface{}
			decode(t, rec, &body)
			if _, ok := body["error"]; !ok {
				t.Errorf("no error field in %s", rec.Body)
			}
		})
	}
}

func TestDisabledDevicePollsNone(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Devices.Seed = []config.DeviceSeed{{ID: "cam1", Disabled: true}}
	})

	rec := ts.do(t, "GET", "/api/v1/devices/cam1/next-action", nil, nil)
	var resp nextActionResponse
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Action != "none" {
		t.Errorf("next-action = %d %+v", rec.Code, resp)
	}
}

func TestDeviceAPIKey(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Devices.Seed = []config.DeviceSeed{{ID: "cam1", APIKey: "k3y"}}
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-Api-Key": "nope"}, http.StatusUnauthorized},
		{"valid key", map[string]string{"X-Api-Key": "k3y"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", "/api/v1/devices/cam1/next-action", nil, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAutoRegisterAndCreateDevice(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Devices.AutoRegister = true
	})

	rec := ts.do(t, "GET", "/api/v1/devices/fresh-cam/next-action", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto-register poll = %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, "POST", "/api/v1/devices", strings.NewReader(`{"id": "keyed", "name": "Gate", "withApiKey": true}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	var created struct {
		Device models.Device `json:"device"`
		APIKey string        `json:"apiKey"`
	}
	decode(t, rec, &created)
	if created.APIKey == "" || strings.Contains(rec.Body.String(), "apiKeyHash") {
		t.Errorf("create response = %s", rec.Body)
	}

	if rec := ts.do(t, "GET", "/api/v1/devices/keyed/next-action", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("keyless poll of keyed device = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/v1/devices/keyed/next-action", nil, map[string]string{"X-Api-Key": created.APIKey}); rec.Code != http.StatusOK {
		t.Errorf("keyed poll = %d", rec.Code)
	}

	rec = ts.do(t, "GET", "/api/v1/devices", nil, nil)
	var list struct {
		Total int64 `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 2 {
		t.Errorf("total devices = %d, want 2", list.Total)
	}
}

func TestViewerTokens(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		withCameras(cfg)
		cfg.JWT.Secret = "test-secret"
	})
	jwt := auth.NewJWTManager(&ts.cfg.JWT)
	viewer, _ := jwt.GenerateToken("vera", auth.RoleViewer)
	operator, _ := jwt.GenerateToken("otto", auth.RoleOperator)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", "GET", "/api/v1/devices", "", http.StatusUnauthorized},
		{"viewer reads", "GET", "/api/v1/devices", viewer, http.StatusOK},
		{"viewer commands", "POST", "/api/v1/devices/cam1/request-photo", viewer, http.StatusForbidden},
		{"operator commands", "POST", "/api/v1/devices/cam1/request-photo", operator, http.StatusAccepted},
		{"garbage token", "GET", "/api/v1/streams", "x.y.z", http.StatusUnauthorized},
		{"device route ignores tokens", "GET", "/api/v1/devices/cam1/next-action", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.token != "" {
				headers["Authorization"] = "Bearer " + tt.token
			}
			rec := ts.do(t, tt.method, tt.path, nil, headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	rec := ts.do(t, "POST", "/api/v1/devices/cam2/request-stream", strings.NewReader(`{"durationSeconds": 30}`), map[string]string{"Authorization": "Bearer " + operator})
	var started struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, rec, &started)
	rec = ts.do(t, "GET", "/api/v1/streams/"+started.SessionID, nil, map[string]string{"Authorization": "Bearer " + viewer})
	var session models.StreamSession
	decode(t, rec, &session)
	if session.InitiatedBy != "otto" {
		t.Errorf("initiatedBy = %q, want token subject", session.InitiatedBy)
	}
}

func TestLegacyAgentRoutes(t *testing.T) {
	ts := newTestServer(t, withCameras)

	rec := ts.do(t, "POST", "/api/cameras/cam1/request-stream", strings.NewReader(`{"durationSeconds": 20}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("legacy request-stream = %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, "GET", "/api/camera/cam1/take-photo-or-video", nil, nil)
	var action map[string]interface{}
	decode(t, rec, &action)
	if action["action"] != "stream" || action["streamDurationSeconds"] != float64(20) {
		t.Errorf("take-photo-or-video = %v", action)
	}

	body, contentType := multipartImage(t, []byte("snapshot"))
	rec = ts.do(t, "POST", "/api/cameras/cam1/photo", body, map[string]string{"Content-Type": contentType})
	if rec.Code != http.StatusCreated {
		t.Errorf("legacy photo = %d %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, "POST", "/api/cameras/cam1/energy", strings.NewReader(`{"voltage": 5, "current": 0.8, "cpuTemp": 51.2}`), nil)
	var sample models.EnergySample
	decode(t, rec, &sample)
	if rec.Code != http.StatusCreated || sample.Watts != 4 {
		t.Errorf("legacy energy = %d %+v", rec.Code, sample)
	}

	rec = ts.do(t, "POST", "/api/cameras/cam1/data-usage", strings.NewReader(`{"type": "stream", "bytes": 2048}`), nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("legacy data-usage = %d %s", rec.Code, rec.Body)
	}
	if got := ts.store.DataUsage("cam1"); len(got) != 1 {
		t.Errorf("data usage records = %d", len(got))
	}
}

func TestWebsocketChannels(t *testing.T) {
	ts := newTestServer(t, withCameras)
	srv := httptest.NewServer(ts.api.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	viewer, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/v1/events?deviceId=cam1", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer viewer.Close()
	waitFor(t, func() bool { return ts.coord.Hub().SubscriberCount() == 1 })

	device, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/camera-stream?cameraId=cam1", nil)
	if err != nil {
		t.Fatalf("dial device stream: %v", err)
	}
	defer device.Close()

	if err := device.WriteMessage(websocket.BinaryMessage, []byte("pushed")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		f, err := ts.coord.LiveFrame("cam1")
		return err == nil && string(f.Data) == "pushed"
	})

	resp, err := http.Post(srv.URL+"/api/v1/devices/cam1/photo", "image/jpeg", strings.NewReader("jpeg"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := viewer.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event models.MediaEvent
	if err := json.Unmarshal(data, &event); err != nil || mt != websocket.TextMessage {
		t.Fatalf("event message = %d %s", mt, data)
	}
	if event.Type != models.MediaTypePhoto || event.DeviceID != "cam1" {
		t.Errorf("event = %+v", event)
	}
}

func multipartImage(t *testing.T, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadField, "frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
