package events

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/jobs"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/services/matcher"
	"cctv-monitor/pkg/services/retention"
	"cctv-monitor/pkg/videoindex"
)

type recorder struct {
	mu            sync.Mutex
	notifications []models.Notification
	jobs          []jobs.AttachVideoPayload
	enqueueErr    error
}

func (r *recorder) Publish(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) Enqueue(jobType string, payload interface{}) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enqueueErr != nil {
		return 0, r.enqueueErr
	}
	if p, ok := payload.(jobs.AttachVideoPayload); ok && jobType == jobs.TypeAttachVideo {
		r.jobs = append(r.jobs, p)
	}
	return int64(len(r.jobs)), nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notifications {
		out = append(out, n.Type)
	}
	return out
}

type fixture struct {
	root  string
	store *eventstore.Store
	rec   *recorder
	svc   *Service
}

var alarm = time.Date(2025, 4, 24, 15, 34, 18, 0, time.Local)

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	root := t.TempDir()
	ix := videoindex.New(root, "videos", "mp4", 7)
	ix.Now = func() time.Time { return now }
	store := eventstore.New(filepath.Join(root, "events.json"), nil)
	rec := &recorder{}
	m := matcher.New(ix, store, nil)
	sweeper := retention.New(ix, m, store, nil)
	sweeper.Now = func() time.Time { return now }

	svc := New(store, m, sweeper, rec, rec, Options{
		LateResponse:  10 * time.Minute,
		RetentionDays: 7,
		MatchTimeout:  5 * time.Second,
		SweepTimeout:  5 * time.Second,
	}, nil)
	svc.Now = func() time.Time { return now }
	return &fixture{root: root, store: store, rec: rec, svc: svc}
}

func (f *fixture) file(t *testing.T, stored string) string {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(stored))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("media"), 0644))
	return p
}

func intake() models.Event {
	return models.Event{
		MessageID: "<abc@cam>",
		Date:      alarm,
		Camera:    "POD1",
		EventType: "motion",
		Subject:   "Alarm POD1",
		ImagePath: "/images/2025/04/24/12_0_20250424153418.jpg",
	}
}

func TestIngestCreatesAndEnqueues(t *testing.T) {
	f := newFixture(t, alarm)

	in := intake()
	in.VideoPath = "/videos/forged.mp4"
	in.Locked = true
	in.Tags = []string{" a ", "a", ""}

	ev, created, err := f.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, ev.ID)
	assert.Empty(t, ev.VideoPath)
	assert.False(t, ev.Locked)
	assert.Equal(t, []string{"a"}, ev.Tags)

	assert.Equal(t, []string{models.NotifyEventCreated}, f.rec.types())
	require.Len(t, f.rec.jobs, 1)
	assert.Equal(t, ev.ID, f.rec.jobs[0].EventID)

	dup, created, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, dup.ID)
	assert.Len(t, f.rec.jobs, 1, "duplicates are not re-enqueued")

	all, err := f.store.Load()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestFillsMissingFields(t *testing.T) {
	f := newFixture(t, alarm)

	in := intake()
	in.MessageID = ""
	in.Date = time.Time{}
	ev, created, err := f.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(ev.MessageID, "generated-"))
	assert.True(t, ev.Date.Equal(alarm))

	in = intake()
	in.MessageID = "other"
	in.Date = time.Time{}
	in.ImagePath = "/images/snap.jpg"
	_, _, err = f.svc.Ingest(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIngestSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t, alarm)
	f.rec.enqueueErr = errors.New("queue down")

	_, created, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t, alarm.Add(25*time.Minute+30*time.Second))
	ev, _, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)

	note := "checked"
	locked := true
	acked, err := f.svc.Acknowledge(context.Background(), ev.ID, AckRequest{
		Note:   &note,
		Tags:   []string{"intruder", " intruder", "night "},
		Locked: &locked,
	}, "alice")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	require.NotNil(t, acked.ResponseTimeMinutes)
	assert.Equal(t, 25, *acked.ResponseTimeMinutes)
	assert.True(t, acked.IsLateResponse)
	assert.Equal(t, []string{"intruder", "night"}, acked.Tags)
	assert.True(t, acked.Locked)
	assert.Equal(t, "checked", acked.Note)

	// A second acknowledgement keeps the original bookkeeping.
	f.svc.Now = func() time.Time { return alarm.Add(3 * time.Hour) }
	again, err := f.svc.Acknowledge(context.Background(), ev.ID, AckRequest{Tags: []string{}}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.AcknowledgedBy)
	assert.Equal(t, 25, *again.ResponseTimeMinutes)
	assert.Empty(t, again.Tags)
	assert.Equal(t, "checked", again.Note)
	assert.True(t, again.Locked)

	assert.Equal(t, []string{models.NotifyEventCreated, models.NotifyEventUpdated, models.NotifyEventUpdated}, f.rec.types())
}

func TestAcknowledgeOnTime(t *testing.T) {
	f := newFixture(t, alarm.Add(10*time.Minute))
	ev, _, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)

	acked, err := f.svc.Acknowledge(context.Background(), ev.ID, AckRequest{}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, *acked.ResponseTimeMinutes)
	assert.False(t, acked.IsLateResponse, "exactly at the limit is on time")
}

func TestAcknowledgeNotFound(t *testing.T) {
	f := newFixture(t, alarm)
	_, err := f.svc.Acknowledge(context.Background(), 99, AckRequest{}, "alice")
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestResponseMinutes(t *testing.T) {
	assert.Equal(t, 0, ResponseMinutes(alarm, alarm.Add(-time.Hour)))
	assert.Equal(t, 0, ResponseMinutes(alarm, alarm.Add(59*time.Second)))
	assert.Equal(t, 1, ResponseMinutes(alarm, alarm.Add(119*time.Second)))
}

func TestToggleLock(t *testing.T) {
	f := newFixture(t, alarm)
	ev, _, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)

	locked, err := f.svc.ToggleLock(context.Background(), ev.ID, true)
	require.NoError(t, err)
	assert.True(t, locked.Locked)

	unlocked, err := f.svc.ToggleLock(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.False(t, unlocked.Locked)

	_, err = f.svc.ToggleLock(context.Background(), 12345, true)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestGetAttachesOnRead(t *testing.T) {
	f := newFixture(t, alarm)
	f.file(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4")
	ev, _, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4", got.VideoPath)

	stored, err := f.store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, got.VideoPath, stored.VideoPath)

	_, err = f.svc.Get(context.Background(), 4242)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

type slowMatcher struct{}

func (slowMatcher) AttachVideoIfMissing(ctx context.Context, id int64) (models.MatchOutcome, error) {
	<-ctx.Done()
	return models.MatchOutcome{}, ctx.Err()
}

type slowSweeper struct{}

func (slowSweeper) Sweep(ctx context.Context, days int) (models.SweepStats, error) {
	<-ctx.Done()
	return models.SweepStats{}, ctx.Err()
}

func TestTimeouts(t *testing.T) {
	store := eventstore.New(filepath.Join(t.TempDir(), "events.json"), nil)
	svc := New(store, slowMatcher{}, slowSweeper{}, nil, nil, Options{
		RetentionDays: 30,
		MatchTimeout:  20 * time.Millisecond,
		SweepTimeout:  20 * time.Millisecond,
	}, nil)

	_, err := svc.AttachVideoIfMissing(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = svc.RunRetentionSweep(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunRetentionSweep(t *testing.T) {
	f := newFixture(t, alarm.AddDate(0, 0, 10))
	img := f.file(t, "/images/2025/04/24/12_0_20250424153418.jpg")
	vid := f.file(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4")
	_, _, err := f.svc.Ingest(context.Background(), intake())
	require.NoError(t, err)

	keep := 30
	stats, err := f.svc.RunRetentionSweep(context.Background(), &keep)
	require.NoError(t, err)
	assert.Zero(t, stats.Deleted)

	stats, err = f.svc.RunRetentionSweep(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.DeletedImages)
	assert.Equal(t, 1, stats.DeletedVideos)
	assert.NoFileExists(t, img)
	assert.NoFileExists(t, vid)

	stats, err = f.svc.RunRetentionSweep(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)

	bad := -3
	_, err = f.svc.RunRetentionSweep(context.Background(), &bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestList(t *testing.T) {
	f := newFixture(t, alarm)
	require.NoError(t, f.store.Save([]models.Event{
		{ID: 1, Date: alarm.Add(-2 * time.Hour), Camera: "POD1"},
		{ID: 2, Date: alarm, Camera: "POD2", Locked: true},
		{ID: 3, Date: alarm.Add(-time.Hour), Camera: "POD1", Acknowledged: true},
		{ID: 4, Date: alarm, Camera: "POD1"},
	}))

	ids := func(evs []models.Event) []int64 {
		var out []int64
		for _, e := range evs {
			out = append(out, e.ID)
		}
		return out
	}

	all, err := f.svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 3, 1}, ids(all))

	pod1, err := f.svc.List(context.Background(), ListFilter{Camera: "POD1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, ids(pod1))

	yes, no := true, false
	locked, err := f.svc.List(context.Background(), ListFilter{Locked: &yes})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(locked))

	open, err := f.svc.List(context.Background(), ListFilter{Acknowledged: &no})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2, 1}, ids(open))
}
