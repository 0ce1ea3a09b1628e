package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vehicle-tracking-service/internal/domain/tracking"
)

// MemoryStore is the single-process implementation of Store, selected via
// configuration for deployments without a shared store. It is never used as
// a runtime fallback for an unreachable shared store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*tracking.VehicleRecord
	timers  map[string]time.Time
	archive map[string]*memArchiveEntry
	cameras map[string]*tracking.CameraMetadata

	expired chan string
	done    chan struct{}
	closeMu sync.Once
}

type memArchiveEntry struct {
	rec      *tracking.ArchivedRecord
	deadline time.Time
}

const janitorInterval = 100 * time.Millisecond

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*tracking.VehicleRecord),
		timers:  make(map[string]time.Time),
		archive: make(map[string]*memArchiveEntry),
		cameras: make(map[string]*tracking.CameraMetadata),
		expired: make(chan string, 64),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// janitor turns lapsed timer deadlines into push expiry signals and prunes
// archive entries past retention.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var lapsed []string
			for plate, deadline := range s.timers {
				if !now.Before(deadline) {
					delete(s.timers, plate)
					lapsed = append(lapsed, plate)
				}
			}
			for key, entry := range s.archive {
				if !now.Before(entry.deadline) {
					delete(s.archive, key)
				}
			}
			s.mu.Unlock()
			for _, plate := range lapsed {
				select {
				case s.expired <- plate:
				default:
					// Reaper polling covers a full channel.
				}
			}
		}
	}
}

func cloneRecord(rec *tracking.VehicleRecord) *tracking.VehicleRecord {
	out := *rec
	out.PathHistory = append([]tracking.PathEntry(nil), rec.PathHistory...)
	return &out
}

func (s *MemoryStore) GetRecord(_ context.Context, plate string) (*tracking.VehicleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[plate]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) CreateRecord(_ context.Context, rec *tracking.VehicleRecord, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Plate]; ok {
		return ErrExists
	}
	rec.Version = 1
	s.records[rec.Plate] = cloneRecord(rec)
	s.timers[rec.Plate] = time.Now().Add(window)
	return nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, rec *tracking.VehicleRecord, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.Plate]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != rec.Version {
		return ErrConflict
	}
	rec.Version++
	s.records[rec.Plate] = cloneRecord(rec)
	s.timers[rec.Plate] = time.Now().Add(window)
	return nil
}

func (s *MemoryStore) RemoveRecord(_ context.Context, plate string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[plate]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != version {
		return ErrConflict
	}
	delete(s.records, plate)
	delete(s.timers, plate)
	return nil
}

func (s *MemoryStore) TimerTTL(_ context.Context, plate string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.timers[plate]
	if !ok {
		return 0, ErrNotFound
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*tracking.VehicleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*tracking.VehicleRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, cloneRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Plate < records[j].Plate })
	return records, nil
}

func (s *MemoryStore) ArchiveRecord(_ context.Context, rec *tracking.ArchivedRecord, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *rec
	out.VehicleRecord = *cloneRecord(&rec.VehicleRecord)
	s.archive[rec.Plate+":"+rec.EpisodeID] = &memArchiveEntry{
		rec:      &out,
		deadline: time.Now().Add(retention),
	}
	return nil
}

func (s *MemoryStore) GetArchive(_ context.Context, plate string) ([]*tracking.ArchivedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var records []*tracking.ArchivedRecord
	for key, entry := range s.archive {
		if !strings.HasPrefix(key, plate+":") {
			continue
		}
		if !now.Before(entry.deadline) {
			continue
		}
		out := *entry.rec
		records = append(records, &out)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ArchivedAt.Before(records[j].ArchivedAt)
	})
	return records, nil
}

func (s *MemoryStore) SetCamera(_ context.Context, meta *tracking.CameraMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *meta
	s.cameras[meta.CameraID] = &out
	return nil
}

func (s *MemoryStore) GetCamera(_ context.Context, cameraID string) (*tracking.CameraMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.cameras[cameraID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *meta
	return &out, nil
}

func (s *MemoryStore) ListCameras(_ context.Context) ([]*tracking.CameraMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cameras := make([]*tracking.CameraMetadata, 0, len(s.cameras))
	for _, meta := range s.cameras {
		out := *meta
		cameras = append(cameras, &out)
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].CameraID < cameras[j].CameraID })
	return cameras, nil
}

func (s *MemoryStore) ExpiredTimers(_ context.Context) (<-chan string, error) {
	return s.expired, nil
}

// ForceExpireTimer drops a plate's timer immediately, as if its window had
// lapsed. Test support.
func (s *MemoryStore) ForceExpireTimer(plate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[plate]; !ok {
		return ErrNotFound
	}
	delete(s.timers, plate)
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.closeMu.Do(func() { close(s.done) })
	return nil
}
