package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

type fakeEncoder struct {
	mu      sync.Mutex
	jobs    []encoder.Job
	fail    error
	started chan struct{}
	unblock chan struct{}
}

func (f *fakeEncoder) Encode(ctx context.Context, job encoder.Job) encoder.Result {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	fail := f.fail
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.unblock != nil {
		<-f.unblock
	}
	if fail != nil {
		return encoder.Result{OutputPath: job.OutputPath, Err: fmt.Errorf("%w: %v", errs.ErrEncoder, fail)}
	}
	os.WriteFile(job.OutputPath, []byte("mp4"), 0o644)
	return encoder.Result{OutputPath: job.OutputPath, SizeBytes: 3}
}

func (f *fakeEncoder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fixture struct {
	store  *storage.MemoryStore
	enc    *fakeEncoder
	clock  *clock.FakeClock
	layout media.Layout
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		enc:    &fakeEncoder{},
		clock:  clock.Fake(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)),
		layout: media.NewLayout(t.TempDir(), "/media"),
	}
	f.mgr = NewManager(f.store, f.enc, f.clock, f.layout)
	return f
}

func (f *fixture) start(t *testing.T) *models.StreamSession {
	t.Helper()
	s, err := f.mgr.Start(context.Background(), "cam", "test", 30*time.Second, f.clock.Now().Add(35*time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func (f *fixture) appendFrames(t *testing.T, id uuid.UUID, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.clock.Advance(100 * time.Millisecond)
		if _, err := f.mgr.AppendFrame(context.Background(), id, make([]byte, size)); err != nil {
			t.Fatalf("AppendFrame #%d: %v", i, err)
		}
	}
}

func TestStartCreatesActiveSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	if s.Status != models.SessionStatusActive || s.DurationSeconds != 30 || s.DeviceID != "cam" {
		t.Errorf("session = %+v", s)
	}
	if _, err := os.Stat(f.layout.FramesDir(s.ID)); err != nil {
		t.Errorf("frames dir: %v", err)
	}
}

func TestFinalizeCompletes(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.appendFrames(t, s.ID, 3, 1000)

	out, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got := out.Session
	if got.Status != models.SessionStatusCompleted {
		t.Fatalf("Status = %s (reason %v)", got.Status, got.FailureReason)
	}
	if got.FrameCount != 3 || got.BytesSent != 3000 {
		t.Errorf("counters = %d/%d, want 3/3000", got.FrameCount, got.BytesSent)
	}
	if got.VideoPath == nil || *got.VideoPath != f.layout.VideoPath(s.ID) {
		t.Errorf("VideoPath = %v", got.VideoPath)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if out.Event == nil || out.Event.Type != models.MediaTypeVideo || out.Event.URL != "/media/streams/"+s.ID.String()+"/video.mp4" {
		t.Errorf("Event = %+v", out.Event)
	}

	stored, _ := f.store.GetStreamSession(context.Background(), s.ID)
	if stored.Status != models.SessionStatusCompleted {
		t.Errorf("stored Status = %s", stored.Status)
	}
	events, total, _ := f.store.ListMediaEvents(context.Background(), storage.MediaEventFilters{SessionID: &s.ID}, 10, 0)
	if total != 1 || events[0].ID != out.Event.ID {
		t.Errorf("stored events = %+v", events)
	}
}

func TestFinalizeWithoutFramesFails(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	out, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Session.Status != models.SessionStatusFailed || out.Session.FailureReason == nil || *out.Session.FailureReason != reasonNoFrames {
		t.Errorf("session = %+v", out.Session)
	}
	if out.Session.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if f.enc.calls() != 0 {
		t.Error("encoder invoked with no frames")
	}
	if out.Event != nil {
		t.Error("event emitted for failed session")
	}
}

func TestFinalizeMissingDirectoryFails(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	os.RemoveAll(f.layout.StreamDir(s.ID))

	out, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Session.Status != models.SessionStatusFailed {
		t.Errorf("Status = %s", out.Session.Status)
	}
}

func TestFinalizeEncoderFailure(t *testing.T) {
	f := newFixture(t)
	f.enc.fail = errors.New("exit status 1")
	s := f.start(t)
	f.appendFrames(t, s.ID, 2, 10)

	out, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Session.Status != models.SessionStatusFailed || out.Session.VideoPath != nil {
		t.Errorf("session = %+v", out.Session)
	}
	if out.Session.FailureReason == nil {
		t.Error("FailureReason not recorded")
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.appendFrames(t, s.ID, 1, 10)

	first, _ := f.mgr.Finalize(context.Background(), s.ID)
	second, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.enc.calls() != 1 {
		t.Errorf("encoder calls = %d, want 1", f.enc.calls())
	}
	if second.Event != nil || second.Session.Status != first.Session.Status {
		t.Errorf("second Finalize changed outcome: %+v", second)
	}
}

func TestAppendAfterFinalizeRejected(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.appendFrames(t, s.ID, 2, 100)
	f.mgr.Finalize(context.Background(), s.ID)

	if _, err := f.mgr.AppendFrame(context.Background(), s.ID, []byte("late")); !errors.Is(err, errs.ErrSessionClosed) {
		t.Errorf("AppendFrame err = %v, want ErrSessionClosed", err)
	}
	stored, _ := f.store.GetStreamSession(context.Background(), s.ID)
	if stored.FrameCount != 2 || stored.BytesSent != 200 {
		t.Errorf("terminal counters changed: %d/%d", stored.FrameCount, stored.BytesSent)
	}
	frames, _ := f.layout.ListFrames(s.ID)
	if len(frames) != 2 {
		t.Errorf("frames on disk = %d, want 2", len(frames))
	}
}

func TestAppendUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.AppendFrame(context.Background(), uuid.New(), []byte("x")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendDuringFinalizeRejected(t *testing.T) {
	f := newFixture(t)
	f.enc.started = make(chan struct{})
	f.enc.unblock = make(chan struct{})
	s := f.start(t)
	f.appendFrames(t, s.ID, 1, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.mgr.Finalize(context.Background(), s.ID)
	}()
	<-f.enc.started

	if _, err := f.mgr.AppendFrame(context.Background(), s.ID, []byte("x")); !errors.Is(err, errs.ErrSessionClosed) {
		t.Errorf("AppendFrame during finalize err = %v", err)
	}
	if _, err := f.mgr.Finalize(context.Background(), s.ID); !errors.Is(err, errs.ErrFinalizing) {
		t.Errorf("concurrent Finalize err = %v, want ErrFinalizing", err)
	}

	close(f.enc.unblock)
	<-done
}

func TestRegenerate(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	if _, err := f.mgr.Regenerate(context.Background(), s.ID); !errors.Is(err, errs.ErrSessionActive) {
		t.Fatalf("Regenerate(active) err = %v, want ErrSessionActive", err)
	}

	f.appendFrames(t, s.ID, 2, 10)
	f.enc.fail = errors.New("codec missing")
	first, _ := f.mgr.Finalize(context.Background(), s.ID)
	if first.Session.Status != models.SessionStatusFailed {
		t.Fatalf("Status = %s, want failed", first.Session.Status)
	}
	endedAt := *first.Session.EndedAt

	f.enc.fail = nil
	f.clock.Advance(time.Hour)
	out, err := f.mgr.Regenerate(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if out.Session.Status != models.SessionStatusCompleted || out.Session.FailureReason != nil {
		t.Errorf("session = %+v", out.Session)
	}
	if !out.Session.EndedAt.Equal(endedAt) {
		t.Errorf("EndedAt moved to %v", out.Session.EndedAt)
	}
	if out.Event == nil {
		t.Error("no event for regenerated video")
	}
	if f.enc.calls() != 2 {
		t.Errorf("encoder calls = %d, want 2", f.enc.calls())
	}
}

func TestConcurrentAppendsCountEveryFrame(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.AppendFrame(context.Background(), s.ID, make([]byte, 50)); err != nil {
				t.Errorf("AppendFrame: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _ := f.store.GetStreamSession(context.Background(), s.ID)
	if stored.FrameCount != 20 || stored.BytesSent != 1000 {
		t.Errorf("counters = %d/%d, want 20/1000", stored.FrameCount, stored.BytesSent)
	}
	frames, _ := f.layout.ListFrames(s.ID)
	if len(frames) != 20 {
		t.Errorf("frames on disk = %d, want 20", len(frames))
	}
}

func TestInterruptedFinalizeLeavesSessionActive(t *testing.T) {
	f := newFixture(t)
	f.enc.fail = errors.New("signal: killed")
	s := f.start(t)
	f.appendFrames(t, s.ID, 2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.mgr.Finalize(ctx, s.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Finalize err = %v, want context.Canceled", err)
	}

	stored, err := f.store.GetStreamSession(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.SessionStatusActive || stored.FailureReason != nil {
		t.Errorf("stored session = %+v, want untouched active session", stored)
	}

	// The slot is released so a later run can finalize it.
	f.enc.fail = nil
	out, err := f.mgr.Finalize(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Session.Status != models.SessionStatusCompleted {
		t.Errorf("status after retry = %s", out.Session.Status)
	}
}
