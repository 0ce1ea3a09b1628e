package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/domain/tracking"
	"vehicle-tracking-service/internal/notify"
	"vehicle-tracking-service/internal/store"
	"vehicle-tracking-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrContention is returned when the compare-and-set retry budget is
	// exhausted. Callers should treat it as a retriable transient failure.
	ErrContention = errors.New("store contention")
)

const (
	// Detections at the same camera closer together than this are the same
	// physical sighting read twice by the recognizer.
	dedupWindow = 500 * time.Millisecond

	maxRetries     = 5
	retryBaseDelay = 10 * time.Millisecond
)

// Detection actions reported back to the ingestion caller.
const (
	ActionEntry      = "ENTRY"
	ActionDuplicate  = "DUPLICATE"
	ActionExit       = "EXIT"
	ActionSameCamera = "UPDATE_SAME_CAMERA"
	ActionMoved      = "MOVED"
	ActionParked     = "PARKED"
	ActionNone       = "NO_ACTION"
)

type DetectResult struct {
	Action   string   `json:"action"`
	Plate    string   `json:"plate"`
	LastSeen string   `json:"last_seen,omitempty"`
	Path     []string `json:"path,omitempty"`
	Msg      string   `json:"msg"`
}

type ExpireResult struct {
	Action         string          `json:"action"`
	Plate          string          `json:"plate"`
	LastSeenCamera string          `json:"last_seen_camera,omitempty"`
	FinalStatus    tracking.Status `json:"final_status,omitempty"`
	Msg            string          `json:"msg"`
}

// VehicleState is the query view of an active record, with the remaining
// timer computed from the store at read time.
type VehicleState struct {
	tracking.VehicleRecord
	TimerRemainingSeconds int `json:"timer_remaining_seconds"`
}

// Tracker is the vehicle tracking engine. It owns all writes to vehicle
// records and timers; every transition is a read-compute-compare-and-set
// cycle so that detections and expiry signals racing on the same plate
// linearize instead of clobbering each other.
type Tracker struct {
	store       store.Store
	notifier    notify.Notifier
	log         zerolog.Logger
	window      time.Duration
	entryCamera string
	retention   time.Duration
}

func NewTracker(st store.Store, notifier notify.Notifier, log zerolog.Logger, window time.Duration, entryCamera string, retention time.Duration) *Tracker {
	return &Tracker{
		store:       st,
		notifier:    notifier,
		log:         log,
		window:      window,
		entryCamera: entryCamera,
		retention:   retention,
	}
}

func (t *Tracker) isEntryCamera(cameraID string) bool {
	return cameraID == t.entryCamera
}

// OnDetect applies one detection event to the state machine. Detections are
// applied in arrival order: "last seen" means last processed, not last by
// timestamp, so reordered delivery across camera workers is reflected as-is
// in the path history.
func (t *Tracker) OnDetect(ctx context.Context, plate, cameraID string, ts time.Time) (*DetectResult, error) {
	if plate = utils.NormalizePlate(plate); plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if cameraID == "" {
		return nil, fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := t.applyDetection(ctx, plate, cameraID, ts)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrExists) {
			t.log.Debug().
				Str("plate", plate).
				Int("attempt", attempt+1).
				Msg("detection lost compare-and-set race, retrying")
			sleepBackoff(ctx, attempt)
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("%w: gave up on %s after %d attempts", ErrContention, plate, maxRetries)
}

func (t *Tracker) applyDetection(ctx context.Context, plate, cameraID string, ts time.Time) (*DetectResult, error) {
	rec, err := t.store.GetRecord(ctx, plate)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if rec == nil {
		return t.enterVehicle(ctx, plate, cameraID, ts)
	}

	// A live record whose timer is gone missed its expiry signal. Apply the
	// expiry transition first, then start the detection over against a
	// fresh episode.
	if _, terr := t.store.TimerTTL(ctx, plate); errors.Is(terr, store.ErrNotFound) {
		if _, err := t.expire(ctx, rec); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		return nil, store.ErrConflict
	}

	if cameraID == rec.LastSeenCamera && ts.Sub(rec.LastSeenAt) < dedupWindow {
		t.log.Debug().Str("plate", plate).Str("camera_id", cameraID).Msg("duplicate detection ignored")
		return &DetectResult{
			Action: ActionDuplicate,
			Plate:  plate,
			Msg:    "duplicate detection ignored",
		}, nil
	}

	if cameraID == rec.LastSeenCamera {
		if t.isEntryCamera(cameraID) && len(rec.PathHistory) == 1 && ts.Sub(rec.FirstSeenAt) <= t.window {
			return t.exitVehicle(ctx, rec, cameraID, ts)
		}
		return t.refreshSameCamera(ctx, rec, cameraID, ts)
	}

	return t.moveVehicle(ctx, rec, cameraID, ts)
}

func (t *Tracker) enterVehicle(ctx context.Context, plate, cameraID string, ts time.Time) (*DetectResult, error) {
	rec := &tracking.VehicleRecord{
		Plate:          plate,
		Status:         tracking.StatusEntered,
		FirstSeenAt:    ts,
		LastSeenAt:     ts,
		LastSeenCamera: cameraID,
		DetectionCount: 1,
		PathHistory:    []tracking.PathEntry{{CameraID: cameraID, Ts: ts}},
	}
	if err := t.store.CreateRecord(ctx, rec, t.window); err != nil {
		return nil, err
	}

	t.logTransition(plate, cameraID, "NONE", tracking.StatusEntered, "ENTRY_SUCCESS", rec)
	t.emit(tracking.EntryEvent{
		Plate:    plate,
		Camera:   cameraID,
		Location: t.resolveLocation(ctx, cameraID),
		At:       ts,
	})

	return &DetectResult{
		Action:   ActionEntry,
		Plate:    plate,
		LastSeen: cameraID,
		Msg:      fmt.Sprintf("entry recorded, timer started for %s", t.window),
	}, nil
}

func (t *Tracker) exitVehicle(ctx context.Context, rec *tracking.VehicleRecord, cameraID string, ts time.Time) (*DetectResult, error) {
	oldStatus := rec.Status
	rec.Status = tracking.StatusExited
	rec.LastSeenAt = ts
	rec.DetectionCount++

	if err := t.store.RemoveRecord(ctx, rec.Plate, rec.Version); err != nil {
		return nil, err
	}
	t.archive(ctx, rec)

	t.logTransition(rec.Plate, cameraID, oldStatus, tracking.StatusExited, "EXIT_DETECTED", rec)
	t.emit(tracking.ExitEvent{
		Plate:    rec.Plate,
		Camera:   cameraID,
		Location: t.resolveLocation(ctx, cameraID),
		At:       ts,
	})

	return &DetectResult{
		Action: ActionExit,
		Plate:  rec.Plate,
		Msg:    "vehicle exited, removed from active tracking",
	}, nil
}

func (t *Tracker) refreshSameCamera(ctx context.Context, rec *tracking.VehicleRecord, cameraID string, ts time.Time) (*DetectResult, error) {
	rec.LastSeenAt = ts
	rec.DetectionCount++

	if err := t.store.UpdateRecord(ctx, rec, t.window); err != nil {
		return nil, err
	}

	// Same camera, no movement: timer re-armed silently, no domain event.
	t.logTransition(rec.Plate, cameraID, rec.Status, rec.Status, "UPDATE_SAME_CAMERA", rec)
	return &DetectResult{
		Action:   ActionSameCamera,
		Plate:    rec.Plate,
		LastSeen: cameraID,
		Msg:      "updated same camera detection",
	}, nil
}

func (t *Tracker) moveVehicle(ctx context.Context, rec *tracking.VehicleRecord, cameraID string, ts time.Time) (*DetectResult, error) {
	oldStatus := rec.Status
	rec.PathHistory = append(rec.PathHistory, tracking.PathEntry{CameraID: cameraID, Ts: ts})
	rec.Status = tracking.StatusMoving
	rec.LastSeenCamera = cameraID
	rec.LastSeenAt = ts
	rec.DetectionCount++

	if err := t.store.UpdateRecord(ctx, rec, t.window); err != nil {
		return nil, err
	}

	t.logTransition(rec.Plate, cameraID, oldStatus, tracking.StatusMoving, "MOVED", rec)
	t.emit(tracking.MovedEvent{
		Plate:    rec.Plate,
		Camera:   cameraID,
		Location: t.resolveLocation(ctx, cameraID),
		At:       ts,
		Path:     rec.CameraPath(),
	})

	return &DetectResult{
		Action:   ActionMoved,
		Plate:    rec.Plate,
		LastSeen: cameraID,
		Path:     rec.CameraPath(),
		Msg:      "path updated",
	}, nil
}

// OnTimerExpire applies the expiry transition for a plate whose tracking
// window lapsed. It is the single handler behind both push expiry
// notifications and reaper scans, and is idempotent: the compare-and-set
// removal guarantees exactly one caller archives the episode.
func (t *Tracker) OnTimerExpire(ctx context.Context, plate string) (*ExpireResult, error) {
	if plate = utils.NormalizePlate(plate); plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		rec, err := t.store.GetRecord(ctx, plate)
		if errors.Is(err, store.ErrNotFound) {
			return &ExpireResult{Action: ActionNone, Plate: plate, Msg: "vehicle not tracked"}, nil
		}
		if err != nil {
			return nil, err
		}

		// A detection can re-arm the timer between the expiry signal and
		// this read. The vehicle is live again; nothing to do.
		if _, err := t.store.TimerTTL(ctx, plate); err == nil {
			return &ExpireResult{Action: ActionNone, Plate: plate, Msg: "timer re-armed"}, nil
		}

		result, err := t.expire(ctx, rec)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			sleepBackoff(ctx, attempt)
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("%w: gave up expiring %s after %d attempts", ErrContention, plate, maxRetries)
}

func (t *Tracker) expire(ctx context.Context, rec *tracking.VehicleRecord) (*ExpireResult, error) {
	oldStatus := rec.Status
	finalStatus := tracking.StatusParked
	if rec.Status == tracking.StatusEntered && len(rec.PathHistory) == 1 {
		finalStatus = tracking.ParkedNear(rec.LastSeenCamera)
	}

	now := time.Now().UTC()
	rec.Status = finalStatus
	rec.LastSeenAt = now

	if err := t.store.RemoveRecord(ctx, rec.Plate, rec.Version); err != nil {
		return nil, err
	}
	t.archive(ctx, rec)

	t.logTransition(rec.Plate, rec.LastSeenCamera, oldStatus, finalStatus, "TIMER_EXPIRED", rec)

	cameraName := rec.LastSeenCamera
	location := t.resolveLocation(ctx, rec.LastSeenCamera)
	if meta, err := t.store.GetCamera(ctx, rec.LastSeenCamera); err == nil && meta.Name != "" {
		cameraName = meta.Name
	}
	t.emit(tracking.LastSeenEvent{
		Plate:       rec.Plate,
		Camera:      rec.LastSeenCamera,
		CameraName:  cameraName,
		Location:    location,
		At:          now,
		FinalStatus: finalStatus,
	})

	return &ExpireResult{
		Action:         ActionParked,
		Plate:          rec.Plate,
		LastSeenCamera: rec.LastSeenCamera,
		FinalStatus:    finalStatus,
		Msg:            fmt.Sprintf("vehicle marked as %s", finalStatus),
	}, nil
}

// archive stores the terminal snapshot. The record removal above is the
// transition's source of truth; an archive write failure is logged, not
// rolled back.
func (t *Tracker) archive(ctx context.Context, rec *tracking.VehicleRecord) {
	archived := &tracking.ArchivedRecord{
		VehicleRecord: *rec,
		EpisodeID:     uuid.NewString(),
		ArchivedAt:    time.Now().UTC(),
	}
	if err := t.store.ArchiveRecord(ctx, archived, t.retention); err != nil {
		t.log.Error().Err(err).Str("plate", rec.Plate).Msg("failed to archive episode")
	}
}

// GetVehicle returns the active state for a plate with the remaining timer
// seconds, or ErrNotFound.
func (t *Tracker) GetVehicle(ctx context.Context, plate string) (*VehicleState, error) {
	if plate = utils.NormalizePlate(plate); plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	rec, err := t.store.GetRecord(ctx, plate)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, plate)
	}
	if err != nil {
		return nil, err
	}
	return t.withTimer(ctx, rec), nil
}

// ListActive returns all actively tracked vehicles with remaining timers.
func (t *Tracker) ListActive(ctx context.Context) ([]*VehicleState, error) {
	records, err := t.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	states := make([]*VehicleState, 0, len(records))
	for _, rec := range records {
		states = append(states, t.withTimer(ctx, rec))
	}
	return states, nil
}

// GetArchive returns archived episodes for a plate still within retention.
func (t *Tracker) GetArchive(ctx context.Context, plate string) ([]*tracking.ArchivedRecord, error) {
	if plate = utils.NormalizePlate(plate); plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	return t.store.GetArchive(ctx, plate)
}

func (t *Tracker) withTimer(ctx context.Context, rec *tracking.VehicleRecord) *VehicleState {
	state := &VehicleState{VehicleRecord: *rec}
	if ttl, err := t.store.TimerTTL(ctx, rec.Plate); err == nil {
		state.TimerRemainingSeconds = int(ttl.Seconds())
	}
	return state
}

func (t *Tracker) SetCameraMetadata(ctx context.Context, meta *tracking.CameraMetadata) error {
	if meta.CameraID == "" {
		return fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	return t.store.SetCamera(ctx, meta)
}

func (t *Tracker) GetCameraMetadata(ctx context.Context, cameraID string) (*tracking.CameraMetadata, error) {
	meta, err := t.store.GetCamera(ctx, cameraID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: camera %s", ErrNotFound, cameraID)
	}
	return meta, err
}

func (t *Tracker) ListCameras(ctx context.Context) ([]*tracking.CameraMetadata, error) {
	return t.store.ListCameras(ctx)
}

// resolveLocation looks up camera coordinates lazily at emission time.
// Missing metadata yields a nil location, never a dropped event.
func (t *Tracker) resolveLocation(ctx context.Context, cameraID string) *tracking.Location {
	meta, err := t.store.GetCamera(ctx, cameraID)
	if err != nil {
		return nil
	}
	return &tracking.Location{Lat: meta.Lat, Lon: meta.Lon}
}

// emit hands a domain event to the notifier out-of-band. Delivery failures
// are the notifier's to log; they never affect the committed transition.
func (t *Tracker) emit(ev tracking.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.notifier.Notify(ctx, ev); err != nil {
			t.log.Error().
				Err(err).
				Str("plate", ev.VehiclePlate()).
				Str("event", string(ev.Kind())).
				Msg("notification failed")
		}
	}()
}

func (t *Tracker) logTransition(plate, cameraID string, oldStatus, newStatus tracking.Status, reason string, rec *tracking.VehicleRecord) {
	t.log.Info().
		Str("plate", plate).
		Str("camera_id", cameraID).
		Str("old_status", string(oldStatus)).
		Str("new_status", string(newStatus)).
		Str("reason", reason).
		Int("detections", rec.DetectionCount).
		Int("path_len", len(rec.PathHistory)).
		Msg("vehicle transition")
}

func sleepBackoff(ctx context.Context, attempt int) {
	select {
	case <-time.After(retryBaseDelay * time.Duration(attempt+1)):
	case <-ctx.Done():
	}
}
