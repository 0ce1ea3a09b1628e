package store

import (
	"context"
	"errors"
	"time"

	"vehicle-tracking-service/internal/domain/tracking"
)

var (
	// ErrNotFound is returned when a record, timer or camera key is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set write lost a race.
	// Callers re-read and recompute the transition.
	ErrConflict = errors.New("conflict")
	// ErrExists is returned by CreateRecord when the plate is already tracked.
	ErrExists = errors.New("record already exists")
)

// Store is the shared tracking keyspace: one record key and one expiring
// timer key per plate, an archive family with retention TTL, and camera
// metadata. Implementations must make CreateRecord, UpdateRecord and
// RemoveRecord atomic with respect to both the record and its timer, and
// must enforce the record version on every update and removal.
//
// The backend is chosen once at startup. A configured shared store that is
// unreachable is a reported error, never a silent fallback to another
// implementation.
type Store interface {
	// GetRecord returns the active record for a normalized plate, or
	// ErrNotFound.
	GetRecord(ctx context.Context, plate string) (*tracking.VehicleRecord, error)

	// CreateRecord stores a new record with version 1 and arms its timer for
	// the window, atomically. Returns ErrExists if the plate is already
	// tracked.
	CreateRecord(ctx context.Context, rec *tracking.VehicleRecord, window time.Duration) error

	// UpdateRecord replaces the stored record if its version still matches
	// rec.Version, bumps the version, and re-arms the timer for the window.
	// Returns ErrConflict on a lost race, ErrNotFound if the record is gone.
	UpdateRecord(ctx context.Context, rec *tracking.VehicleRecord, window time.Duration) error

	// RemoveRecord deletes the record and its timer if the stored version
	// still matches. This is the linearization point for terminal
	// transitions: exactly one caller wins.
	RemoveRecord(ctx context.Context, plate string, version int64) error

	// TimerTTL returns the remaining window for a plate's timer, or
	// ErrNotFound when the timer is absent or expired.
	TimerTTL(ctx context.Context, plate string) (time.Duration, error)

	// ListActive returns all active vehicle records.
	ListActive(ctx context.Context) ([]*tracking.VehicleRecord, error)

	// ArchiveRecord inserts a terminal episode snapshot with the given
	// retention, keyed by plate plus episode id.
	ArchiveRecord(ctx context.Context, rec *tracking.ArchivedRecord, retention time.Duration) error

	// GetArchive returns all archived episodes for a plate still within
	// retention, oldest first.
	GetArchive(ctx context.Context, plate string) ([]*tracking.ArchivedRecord, error)

	SetCamera(ctx context.Context, meta *tracking.CameraMetadata) error
	GetCamera(ctx context.Context, cameraID string) (*tracking.CameraMetadata, error)
	ListCameras(ctx context.Context) ([]*tracking.CameraMetadata, error)

	// ExpiredTimers returns a feed of plates whose timer expired, for
	// backends that support push expiry notification. A nil channel means
	// push is unavailable and only the reaper observes expiry.
	ExpiredTimers(ctx context.Context) (<-chan string, error)

	Ping(ctx context.Context) error
	Close() error
}
