package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-tracking-service/internal/domain/tracking"
	"vehicle-tracking-service/internal/store"
)

const (
	testWindow    = 30 * time.Second
	testRetention = 12 * time.Hour
	entryCam      = "camera1"
	otherCam      = "camera2"
	thirdCam      = "camera3"
	testPlate     = "MH20EE7598"
)

// captureNotifier records emitted events for assertions. Emission is
// asynchronous, so tests wait with require.Eventually.
type captureNotifier struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev tracking.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) kinds() []tracking.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]tracking.EventKind, 0, len(c.events))
	for _, ev := range c.events {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func (c *captureNotifier) countKind(kind tracking.EventKind) int {
	n := 0
	for _, k := range c.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore, *captureNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	notifier := &captureNotifier{}
	tr := NewTracker(st, notifier, zerolog.Nop(), testWindow, entryCam, testRetention)
	return tr, st, notifier
}

func waitForKind(t *testing.T, n *captureNotifier, kind tracking.EventKind, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.countKind(kind) >= count
	}, 2*time.Second, 10*time.Millisecond, "expected %d %s event(s)", count, kind)
}

func TestOnDetect_Entry(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	result, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)
	assert.Equal(t, ActionEntry, result.Action)
	assert.Equal(t, testPlate, result.Plate)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusEntered, rec.Status)
	assert.Equal(t, entryCam, rec.LastSeenCamera)
	assert.Equal(t, 1, rec.DetectionCount)
	require.Len(t, rec.PathHistory, 1)
	assert.Equal(t, entryCam, rec.PathHistory[0].CameraID)
	assert.True(t, rec.FirstSeenAt.Equal(rec.LastSeenAt))

	ttl, err := st.TimerTTL(ctx, testPlate)
	require.NoError(t, err)
	assert.Greater(t, ttl, 29*time.Second)

	waitForKind(t, notifier, tracking.EventEntry, 1)
}

func TestOnDetect_NormalizesPlate(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	result, err := tr.OnDetect(ctx, "  mh 20 ee 7598 ", otherCam, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, testPlate, result.Plate)

	_, err = st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
}

func TestOnDetect_RejectsMissingFields(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := tr.OnDetect(ctx, "", entryCam, now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = tr.OnDetect(ctx, "   ", entryCam, now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = tr.OnDetect(ctx, testPlate, "", now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// No partial record was created.
	_, err = tr.GetVehicle(ctx, testPlate)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnDetect_DeduplicatesSameCameraWithinHalfSecond(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)

	result, err := tr.OnDetect(ctx, testPlate, entryCam, t0.Add(200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, result.Action)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DetectionCount)
	assert.Equal(t, tracking.StatusEntered, rec.Status)
	assert.True(t, rec.LastSeenAt.Equal(t0), "duplicate must not touch last seen")

	waitForKind(t, notifier, tracking.EventEntry, 1)
	assert.Equal(t, 1, notifier.countKind(tracking.EventEntry))
}

func TestOnDetect_ExitAtEntryCamera(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)

	result, err := tr.OnDetect(ctx, testPlate, entryCam, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionExit, result.Action)

	// Active tracking fully cleared.
	_, err = st.GetRecord(ctx, testPlate)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.TimerTTL(ctx, testPlate)
	assert.ErrorIs(t, err, store.ErrNotFound)

	archived, err := st.GetArchive(ctx, testPlate)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, tracking.StatusExited, archived[0].Status)
	assert.Equal(t, 2, archived[0].DetectionCount)

	waitForKind(t, notifier, tracking.EventExit, 1)

	// A later detection starts a fresh episode.
	again, err := tr.OnDetect(ctx, testPlate, entryCam, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionEntry, again.Action)
}

func TestOnDetect_NonEntryCameraNeverExits(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, otherCam, t0)
	require.NoError(t, err)

	result, err := tr.OnDetect(ctx, testPlate, otherCam, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionSameCamera, result.Action)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusEntered, rec.Status, "same-camera refresh never changes status")
	assert.Len(t, rec.PathHistory, 1)
	assert.Equal(t, 2, rec.DetectionCount)

	// Timer was re-armed by the second detection.
	ttl, err := st.TimerTTL(ctx, testPlate)
	require.NoError(t, err)
	assert.Greater(t, ttl, 29*time.Second)
}

func TestOnDetect_EntryCameraAfterMovementDoesNotExit(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)
	_, err = tr.OnDetect(ctx, testPlate, otherCam, t0.Add(5*time.Second))
	require.NoError(t, err)

	// Back at the entry camera, but the path is longer than one: the
	// vehicle moved elsewhere and returned, so this is movement, not exit.
	result, err := tr.OnDetect(ctx, testPlate, entryCam, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, result.Action)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusMoving, rec.Status)
	assert.Equal(t, []string{entryCam, otherCam, entryCam}, rec.CameraPath())
}

func TestOnDetect_Movement(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)

	result, err := tr.OnDetect(ctx, testPlate, otherCam, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, result.Action)
	assert.Equal(t, []string{entryCam, otherCam}, result.Path)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusMoving, rec.Status)
	assert.Equal(t, otherCam, rec.LastSeenCamera)
	require.Len(t, rec.PathHistory, 2)
	assert.Equal(t, entryCam, rec.PathHistory[0].CameraID, "first path entry is the entry camera")

	waitForKind(t, notifier, tracking.EventMoved, 1)
}

func TestOnTimerExpire_ParkedNearEntryWithoutMovement(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)

	result, err := tr.OnTimerExpire(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, result.Action, "live timer means no expiry")

	// Simulate the window lapsing.
	require.NoError(t, st.ForceExpireTimer(testPlate))

	result, err = tr.OnTimerExpire(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, ActionParked, result.Action)
	assert.Equal(t, tracking.ParkedNear(entryCam), result.FinalStatus)

	_, err = st.GetRecord(ctx, testPlate)
	assert.ErrorIs(t, err, store.ErrNotFound)

	archived, err := st.GetArchive(ctx, testPlate)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, tracking.ParkedNear(entryCam), archived[0].Status)

	waitForKind(t, notifier, tracking.EventLastSeen, 1)
}

func TestOnTimerExpire_ParkedAtLastCameraAfterMovement(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, t0)
	require.NoError(t, err)
	_, err = tr.OnDetect(ctx, testPlate, otherCam, t0.Add(5*time.Second))
	require.NoError(t, err)

	require.NoError(t, st.ForceExpireTimer(testPlate))

	result, err := tr.OnTimerExpire(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, ActionParked, result.Action)
	assert.Equal(t, tracking.StatusParked, result.FinalStatus)
	assert.Equal(t, otherCam, result.LastSeenCamera)

	archived, err := st.GetArchive(ctx, testPlate)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, tracking.StatusParked, archived[0].Status)
	assert.Equal(t, otherCam, archived[0].LastSeenCamera)
	assert.Equal(t, []string{entryCam, otherCam}, archived[0].CameraPath())

	waitForKind(t, notifier, tracking.EventLastSeen, 1)
}

func TestOnTimerExpire_UntrackedPlateIsNoop(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	result, err := tr.OnTimerExpire(context.Background(), "UNKNOWN1")
	require.NoError(t, err)
	assert.Equal(t, ActionNone, result.Action)
}

func TestOnTimerExpire_ConcurrentCallsArchiveOnce(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.OnDetect(ctx, testPlate, otherCam, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.ForceExpireTimer(testPlate))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*ExpireResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.OnTimerExpire(ctx, testPlate)
		}(i)
	}
	wg.Wait()

	parked := 0
	for i, result := range results {
		require.NoError(t, errs[i])
		if result.Action == ActionParked {
			parked++
		}
	}
	assert.Equal(t, 1, parked, "exactly one caller applies the expiry transition")

	archived, err := st.GetArchive(ctx, testPlate)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestOnDetect_RecordWithoutTimerIsExpiredFirst(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	_, err := tr.OnDetect(ctx, testPlate, otherCam, t0)
	require.NoError(t, err)
	require.NoError(t, st.ForceExpireTimer(testPlate))

	// Record still active but timer gone: the detection first settles the
	// lapsed episode, then opens a fresh one.
	result, err := tr.OnDetect(ctx, testPlate, thirdCam, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ActionEntry, result.Action)

	rec, err := st.GetRecord(ctx, testPlate)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusEntered, rec.Status)
	assert.Equal(t, []string{thirdCam}, rec.CameraPath())

	archived, err := st.GetArchive(ctx, testPlate)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, tracking.ParkedNear(otherCam), archived[0].Status)
}

func TestOnDetect_ConcurrentDetectionsLinearize(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	cams := []string{entryCam, otherCam, thirdCam}
	const workers = 4
	const perWorker = 10

	var wg sync.WaitGroup
	base := time.Now().UTC()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Spread timestamps past the dedup window so every
				// detection is a candidate transition.
				ts := base.Add(time.Duration(w*perWorker+i) * time.Second)
				_, err := tr.OnDetect(ctx, testPlate, cams[(w+i)%len(cams)], ts)
				if err != nil {
					// Retry exhaustion under heavy contention is a
					// transient failure, not a divergent state.
					assert.ErrorIs(t, err, ErrContention)
				}
			}
		}(w)
	}
	wg.Wait()

	// The final record must be reachable by a sequential application of
	// the rules: exactly one active record, a non-empty path with no
	// consecutive repeats, and counters consistent with the path.
	records, err := st.ListActive(ctx)
	require.NoError(t, err)

	archived, _ := st.GetArchive(ctx, testPlate)
	if len(records) == 0 {
		require.NotEmpty(t, archived, "plate must be active or archived")
		return
	}
	require.Len(t, records, 1)
	rec := records[0]
	require.NotEmpty(t, rec.PathHistory)
	for i := 1; i < len(rec.PathHistory); i++ {
		assert.NotEqual(t, rec.PathHistory[i-1].CameraID, rec.PathHistory[i].CameraID,
			"path never repeats a camera consecutively")
	}
	assert.Equal(t, rec.PathHistory[len(rec.PathHistory)-1].CameraID, rec.LastSeenCamera)
	assert.GreaterOrEqual(t, rec.DetectionCount, len(rec.PathHistory))
	if len(rec.PathHistory) == 1 {
		assert.Equal(t, tracking.StatusEntered, rec.Status)
	} else {
		assert.Equal(t, tracking.StatusMoving, rec.Status)
	}
}

func TestGetVehicle_ReportsRemainingTimer(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.OnDetect(ctx, testPlate, entryCam, time.Now().UTC())
	require.NoError(t, err)

	state, err := tr.GetVehicle(ctx, "mh20ee7598")
	require.NoError(t, err)
	assert.Equal(t, testPlate, state.Plate)
	assert.InDelta(t, 29, state.TimerRemainingSeconds, 1)
}

func TestListActive(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := tr.OnDetect(ctx, "KA01AB1234", entryCam, now)
	require.NoError(t, err)
	_, err = tr.OnDetect(ctx, "MH12CD5678", otherCam, now)
	require.NoError(t, err)

	states, err := tr.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "KA01AB1234", states[0].Plate)
	assert.Equal(t, "MH12CD5678", states[1].Plate)
}

func TestLastSeenEvent_CarriesCameraLocationAndName(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetCameraMetadata(ctx, &tracking.CameraMetadata{
		CameraID: otherCam,
		Lat:      18.52,
		Lon:      73.85,
		Name:     "North Gate",
	}))

	_, err := tr.OnDetect(ctx, testPlate, otherCam, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.ForceExpireTimer(testPlate))

	_, err = tr.OnTimerExpire(ctx, testPlate)
	require.NoError(t, err)

	waitForKind(t, notifier, tracking.EventLastSeen, 1)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var lastSeen *tracking.LastSeenEvent
	for _, ev := range notifier.events {
		if e, ok := ev.(tracking.LastSeenEvent); ok {
			lastSeen = &e
		}
	}
	require.NotNil(t, lastSeen)
	assert.Equal(t, "North Gate", lastSeen.CameraName)
	require.NotNil(t, lastSeen.Location)
	assert.InDelta(t, 18.52, lastSeen.Location.Lat, 0.001)
}

func TestLastSeenEvent_EmittedWithNilLocationWhenCameraUnknown(t *testing.T) {
	tr, st, notifier := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.OnDetect(ctx, testPlate, "cameraX", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.ForceExpireTimer(testPlate))

	_, err = tr.OnTimerExpire(ctx, testPlate)
	require.NoError(t, err)

	waitForKind(t, notifier, tracking.EventLastSeen, 1)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for _, ev := range notifier.events {
		if e, ok := ev.(tracking.LastSeenEvent); ok {
			assert.Nil(t, e.Location)
			assert.Equal(t, "cameraX", e.CameraName)
		}
	}
}
