package tracking

import "time"

type EventKind string

const (
	EventEntry    EventKind = "ENTRY"
	EventMoved    EventKind = "MOVED"
	EventExit     EventKind = "EXIT"
	EventLastSeen EventKind = "LAST_SEEN"
)

// Event is the closed set of domain events produced by the tracking engine.
// Location is nil when the triggering camera has no registered metadata;
// events are emitted regardless.
type Event interface {
	Kind() EventKind
	VehiclePlate() string
}

type EntryEvent struct {
	Plate    string
	Camera   string
	Location *Location
	At       time.Time
}

func (EntryEvent) Kind() EventKind        { return EventEntry }
func (e EntryEvent) VehiclePlate() string { return e.Plate }

// MovedEvent records a camera change. It is internal path visibility, not a
// user-facing notification category.
type MovedEvent struct {
	Plate    string
	Camera   string
	Location *Location
	At       time.Time
	Path     []string
}

func (MovedEvent) Kind() EventKind        { return EventMoved }
func (e MovedEvent) VehiclePlate() string { return e.Plate }

type ExitEvent struct {
	Plate    string
	Camera   string
	Location *Location
	At       time.Time
}

func (ExitEvent) Kind() EventKind        { return EventExit }
func (e ExitEvent) VehiclePlate() string { return e.Plate }

type LastSeenEvent struct {
	Plate       string
	Camera      string
	CameraName  string
	Location    *Location
	At          time.Time
	FinalStatus Status
}

func (LastSeenEvent) Kind() EventKind        { return EventLastSeen }
func (e LastSeenEvent) VehiclePlate() string { return e.Plate }
