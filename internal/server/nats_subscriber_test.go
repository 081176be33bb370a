package server

import (
	"context"
	"testing"
	"time"

	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

type noopEncoder struct{}

func (noopEncoder) Encode(ctx context.Context, job encoder.Job) encoder.Result {
	return encoder.Result{OutputPath: job.OutputPath}
}

func newTestSubscriber(t *testing.T) *NATSSubscriber {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, d := range []*models.Device{
		{ID: "cam1", Name: "cam1", Enabled: true},
		{ID: "cam2", Name: "cam2", Enabled: false},
	} {
		if err := store.CreateDevice(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	coord := coordinator.New(ctx, coordinator.Deps{
		Store:   store,
		Clock:   clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)),
		Encoder: noopEncoder{},
		Hub:     broadcast.NewHub(4),
		Layout:  media.NewLayout(t.TempDir(), "/media"),
	}, coordinator.Options{
		DefaultDuration: 30 * time.Second,
		MaxDuration:     5 * time.Minute,
		FinalizeBuffer:  5 * time.Second,
	})
	t.Cleanup(coord.Close)

	return NewNATSSubscriber(nil, coord, "camera")
}

func TestDeviceFromSubject(t *testing.T) {
	s := &NATSSubscriber{prefix: "camera"}

	tests := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{subject: "camera.cam1.request.photo", want: "cam1"},
		{subject: "camera.front-door.request.photo", want: "front-door"},
		{subject: "camera..request.photo", wantErr: true},
		{subject: "other.cam1.request.photo", wantErr: true},
		{subject: "camera.cam1.request.stream", wantErr: true},
		{subject: "camera.a.b.request.photo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := s.deviceFromSubject(tt.subject, "request.photo")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("device = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestPhoto(t *testing.T) {
	s := newTestSubscriber(t)

	if reply := s.requestPhoto("camera.cam1.request.photo"); !reply.OK || reply.DeviceID != "cam1" {
		t.Errorf("reply = %+v", reply)
	}

	state, err := s.coord.ActionState(context.Background(), "cam1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.PhotoPending {
		t.Error("photo not pending after request")
	}

	if reply := s.requestPhoto("camera.cam2.request.photo"); reply.OK || reply.Error == "" {
		t.Errorf("disabled device reply = %+v", reply)
	}
	if reply := s.requestPhoto("camera.ghost.request.photo"); reply.OK {
		t.Errorf("unknown device reply = %+v", reply)
	}
}

func TestRequestStream(t *testing.T) {
	s := newTestSubscriber(t)

	tests := []struct {
		name   string
		data   string
		wantOK bool
	}{
		{name: "default duration", data: "", wantOK: true},
		{name: "explicit duration", data: `{"durationSeconds":10,"initiatedBy":"ops"}`, wantOK: true},
		{name: "too long", data: `{"durationSeconds":3600}`},
		{name: "negative", data: `{"durationSeconds":-1}`},
		{name: "garbage", data: `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.requestStream("camera.cam1.request.stream", []byte(tt.data))
			if reply.OK != tt.wantOK {
				t.Fatalf("reply = %+v", reply)
			}
			if tt.wantOK && (reply.SessionID == "" || reply.StreamUntil == nil) {
				t.Errorf("reply missing session: %+v", reply)
			}
		})
	}
}

func TestMediaSubject(t *testing.T) {
	s := &NATSSubscriber{prefix: "camera"}
	if got := s.MediaSubject("cam1", "video"); got != "camera.cam1.media.video" {
		t.Errorf("MediaSubject = %q", got)
	}
}
