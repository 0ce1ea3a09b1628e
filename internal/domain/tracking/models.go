package tracking

import (
	"strings"
	"time"
)

// Status is the tracking state of a vehicle within one episode.
type Status string

const (
	StatusEntered Status = "ENTERED"
	StatusMoving  Status = "MOVING"
	StatusParked  Status = "PARKED"
	StatusExited  Status = "EXITED"
)

const parkedNearPrefix = "PARKED_NEAR_"

// ParkedNear is the terminal status for a vehicle that was only ever seen
// at the camera it entered at.
func ParkedNear(cameraID string) Status {
	return Status(parkedNearPrefix + cameraID)
}

// Terminal reports whether the status ends the tracking episode.
func (s Status) Terminal() bool {
	return s == StatusParked || s == StatusExited || strings.HasPrefix(string(s), parkedNearPrefix)
}

type PathEntry struct {
	CameraID string    `json:"camera_id"`
	Ts       time.Time `json:"ts"`
}

// VehicleRecord is the active tracking state for one plate. Version is the
// optimistic-concurrency token checked by the store on every update.
type VehicleRecord struct {
	Plate          string      `json:"plate"`
	Status         Status      `json:"status"`
	FirstSeenAt    time.Time   `json:"first_seen_ts"`
	LastSeenAt     time.Time   `json:"last_seen_ts"`
	LastSeenCamera string      `json:"last_seen_camera"`
	DetectionCount int         `json:"detections"`
	PathHistory    []PathEntry `json:"path_history"`
	Version        int64       `json:"version"`
}

// CameraPath returns the ordered camera ids of the path history.
func (r *VehicleRecord) CameraPath() []string {
	path := make([]string, 0, len(r.PathHistory))
	for _, p := range r.PathHistory {
		path = append(path, p.CameraID)
	}
	return path
}

// ArchivedRecord is a terminal snapshot of a tracking episode.
type ArchivedRecord struct {
	VehicleRecord
	EpisodeID  string    `json:"episode_id"`
	ArchivedAt time.Time `json:"archived_ts"`
}

type DetectionPayload struct {
	CameraID  string `json:"camera_id"`
	Plate     string `json:"plate"`
	Timestamp string `json:"ts,omitempty"`
}

type CameraMetadata struct {
	CameraID string  `json:"camera_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Name     string  `json:"name"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
