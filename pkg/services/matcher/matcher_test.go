package matcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/videoindex"
)

type fixture struct {
	root  string
	index *videoindex.Index
	store *eventstore.Store
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	root := t.TempDir()
	ix := videoindex.New(root, "videos", "mp4", 7)
	ix.Now = func() time.Time { return now }
	return &fixture{
		root:  root,
		index: ix,
		store: eventstore.New(filepath.Join(root, "events.json"), nil),
	}
}

func (f *fixture) video(t *testing.T, rel string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("video"), 0644))
}

func (f *fixture) event(t *testing.T, ev models.Event) models.Event {
	t.Helper()
	created, ok, err := f.store.Create(ev)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

func alarmDate() time.Time {
	return time.Date(2025, 4, 24, 15, 34, 18, 0, time.Local)
}

func alarmEvent() models.Event {
	return models.Event{
		MessageID: "msg-1",
		Date:      alarmDate(),
		Camera:    "POD1",
		ImagePath: "/images/2025/04/24/12_0_20250424153418.jpg",
	}
}

func TestMatchAttachesClosestVideo(t *testing.T) {
	f := newFixture(t, alarmDate().Add(time.Hour))
	f.video(t, "videos/2025/04/24/POD1_00_20250424153423.mp4")
	f.video(t, "videos/2025/04/24/POD1_00_20250424153600.mp4")
	f.video(t, "videos/2025/04/24/POD2_00_20250424153418.mp4")
	ev := f.event(t, alarmEvent())

	var attached []models.Event
	m := New(f.index, f.store, nil, WithOnAttach(func(e models.Event) { attached = append(attached, e) }))

	out, err := m.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchFound, out.Status)
	assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4", out.Path)
	assert.Equal(t, int64(5000), out.DeltaMs)

	stored, err := f.store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Path, stored.VideoPath)

	require.Len(t, attached, 1)
	assert.Equal(t, out.Path, attached[0].VideoPath)
}

func TestToleranceBoundary(t *testing.T) {
	f := newFixture(t, alarmDate())
	f.video(t, "videos/2025/04/24/POD1_00_20250424153423.mp4")
	ev := alarmEvent()

	m := New(f.index, f.store, nil, WithTolerance(5000*time.Millisecond, 5000*time.Millisecond))
	out, err := m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchFound, out.Status, "delta == tolerance matches")

	m = New(f.index, f.store, nil, WithTolerance(4999*time.Millisecond, 4999*time.Millisecond))
	out, err = m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchNotFound, out.Status, "tolerance + 1ms does not match")
}

func TestTieKeepsFirstInListingOrder(t *testing.T) {
	f := newFixture(t, alarmDate())
	// Both are 5s away. "POD1_00_..." sorts before "POD1_01_..." even though it is later in time.
	f.video(t, "videos/2025/04/24/POD1_01_20250424153413.mp4")
	f.video(t, "videos/2025/04/24/POD1_00_20250424153423.mp4")

	m := New(f.index, f.store, nil)
	for i := 0; i < 5; i++ {
		out, err := m.Search(context.Background(), alarmEvent())
		require.NoError(t, err)
		assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4", out.Path)
		assert.Equal(t, int64(5000), out.DeltaMs)
	}
}

func TestMatchAcrossMidnight(t *testing.T) {
	date := time.Date(2025, 4, 24, 23, 59, 50, 0, time.Local)
	f := newFixture(t, date)
	f.video(t, "videos/2025/04/25/POD1_00_20250425000030.mp4")

	ev := models.Event{
		Date:      date,
		Camera:    "POD1",
		ImagePath: "/images/2025/04/24/3_1_20250424235950.jpg",
	}
	m := New(f.index, f.store, nil)
	out, err := m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchFound, out.Status)
	assert.Equal(t, int64(40000), out.DeltaMs)
}

func TestRecordedDateIsSecondAnchor(t *testing.T) {
	f := newFixture(t, alarmDate())
	f.video(t, "videos/2025/04/24/POD1_00_20250424154030.mp4")

	ev := alarmEvent()
	ev.Date = time.Date(2025, 4, 24, 15, 40, 0, 0, time.Local) // image clock drifted by ~6 minutes

	m := New(f.index, f.store, nil)
	out, err := m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchFound, out.Status)
	assert.Equal(t, int64(30000), out.DeltaMs)

	ev.Date = time.Time{}
	out, err = m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchNotFound, out.Status, "image time alone is 6 minutes away")
}

func TestFallbackWhenExactDayIsEmpty(t *testing.T) {
	f := newFixture(t, time.Date(2025, 4, 28, 9, 0, 0, 0, time.Local))
	// Uploaded late into a bucket outside the neighbour window.
	f.video(t, "videos/2025/04/27/POD1_00_20250424153420.mp4")

	m := New(f.index, f.store, nil)
	out, err := m.Search(context.Background(), alarmEvent())
	require.NoError(t, err)
	assert.Equal(t, models.MatchFound, out.Status)
	assert.Equal(t, "/videos/2025/04/27/POD1_00_20250424153420.mp4", out.Path)
	assert.Equal(t, int64(2000), out.DeltaMs)
}

func TestNoFallbackWhenExactDayHasCandidates(t *testing.T) {
	f := newFixture(t, time.Date(2025, 4, 28, 9, 0, 0, 0, time.Local))
	f.video(t, "videos/2025/04/24/POD1_00_20250424080000.mp4")
	f.video(t, "videos/2025/04/27/POD1_00_20250424153420.mp4")

	m := New(f.index, f.store, nil)
	out, err := m.Search(context.Background(), alarmEvent())
	require.NoError(t, err)
	assert.Equal(t, models.MatchNotFound, out.Status)
}

func TestInsufficientData(t *testing.T) {
	f := newFixture(t, alarmDate())
	m := New(f.index, f.store, nil)

	ev := alarmEvent()
	ev.Camera = ""
	out, err := m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchInsufficientData, out.Status)

	ev = alarmEvent()
	ev.ImagePath = ""
	out, err = m.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchInsufficientData, out.Status)
	assert.False(t, out.Found())
}

func TestUnparseableImageName(t *testing.T) {
	f := newFixture(t, alarmDate())
	f.video(t, "videos/2025/04/24/POD1_00_20250424153423.mp4")
	m := New(f.index, f.store, nil)

	ev := alarmEvent()
	ev.ImagePath = "/images/snapshot.jpg"
	out, err := m.Search(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchNotFound, out.Status)
}

type countingLister struct {
	calls int
	err   error
}

func (c *countingLister) ListCandidates(ctx context.Context, cameraPrefix, day string) ([]string, error) {
	c.calls++
	return nil, c.err
}

type countingStore struct {
	ev      models.Event
	gets    int
	updates int
}

func (s *countingStore) Get(id int64) (models.Event, error) {
	s.gets++
	if id != s.ev.ID {
		return models.Event{}, eventstore.ErrNotFound
	}
	return s.ev, nil
}

func (s *countingStore) Update(id int64, mutate func(*models.Event) error) (models.Event, error) {
	s.updates++
	if err := mutate(&s.ev); err != nil {
		return models.Event{}, err
	}
	return s.ev, nil
}

func TestMatchIsIdempotentWhenAttached(t *testing.T) {
	lister := &countingLister{}
	store := &countingStore{ev: models.Event{ID: 7, Camera: "POD1", ImagePath: "1_0_20250424153418.jpg", VideoPath: "/videos/2025/04/24/POD1_00_20250424153423.mp4"}}
	m := New(lister, store, nil)

	for i := 0; i < 3; i++ {
		out, err := m.AttachVideoIfMissing(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, models.MatchAlreadyAttached, out.Status)
		assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153423.mp4", out.Path)
		assert.True(t, out.Found())
	}
	assert.Zero(t, lister.calls, "no filesystem scanning")
	assert.Zero(t, store.updates, "no store writes")
}

func TestConcurrentAttachDoesNotOverwrite(t *testing.T) {
	f := newFixture(t, alarmDate())
	f.video(t, "videos/2025/04/24/POD1_00_20250424153423.mp4")
	ev := f.event(t, alarmEvent())

	// Someone else attached a clip after ev was read.
	_, err := f.store.Update(ev.ID, func(e *models.Event) error {
		e.VideoPath = "/videos/2025/04/24/POD1_00_20250424153419.mp4"
		return nil
	})
	require.NoError(t, err)

	called := false
	m := New(f.index, f.store, nil, WithOnAttach(func(models.Event) { called = true }))
	out, err := m.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.MatchAlreadyAttached, out.Status)
	assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153419.mp4", out.Path)
	assert.False(t, called)

	stored, err := f.store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "/videos/2025/04/24/POD1_00_20250424153419.mp4", stored.VideoPath)
}

func TestNotFoundIsNotAnError(t *testing.T) {
	f := newFixture(t, alarmDate())
	ev := f.event(t, alarmEvent())
	m := New(f.index, f.store, nil)

	out, err := m.AttachVideoIfMissing(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchNotFound, out.Status)

	stored, err := f.store.Get(ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.VideoPath)
}

func TestAttachUnknownEvent(t *testing.T) {
	f := newFixture(t, alarmDate())
	m := New(f.index, f.store, nil)
	_, err := m.AttachVideoIfMissing(context.Background(), 12345)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestListerErrorPropagates(t *testing.T) {
	boom := errors.New("disk gone")
	m := New(&countingLister{err: boom}, &countingStore{}, nil)
	_, err := m.Search(context.Background(), alarmEvent())
	assert.ErrorIs(t, err, boom)
}
