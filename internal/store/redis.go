package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/domain/tracking"
)

const (
	recordPrefix  = "car:"
	timerSuffix   = ":timer"
	archivePrefix = "vehicle_archive:"
	cameraPrefix  = "camera:"
)

func recordKey(plate string) string { return recordPrefix + plate }
func timerKey(plate string) string  { return recordPrefix + plate + timerSuffix }
func cameraKey(id string) string    { return cameraPrefix + id }
func archiveKey(plate, episode string) string {
	return archivePrefix + plate + ":" + episode
}

// RedisStore is the shared-store implementation, safe for use by multiple
// backend instances. Record updates use WATCH-guarded transactions so that
// concurrent detection and expiry handlers cannot both commit a transition
// computed against the same version.
type RedisStore struct {
	client *redis.Client
	db     int
	log    zerolog.Logger
}

func NewRedisStore(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &RedisStore{client: client, db: db, log: log}

	// Keyspace notifications let timer expiry be pushed instead of polled.
	// The reaper covers expiry either way, so failure here is not fatal.
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Warn().Err(err).Msg("could not enable keyspace notifications, relying on reaper polling")
	}

	return s, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, plate string) (*tracking.VehicleRecord, error) {
	data, err := s.client.Get(ctx, recordKey(plate)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	var rec tracking.VehicleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", plate, err)
	}
	return &rec, nil
}

func (s *RedisStore) CreateRecord(ctx context.Context, rec *tracking.VehicleRecord, window time.Duration) error {
	key := recordKey(rec.Plate)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		if exists > 0 {
			return ErrExists
		}
		rec.Version = 1
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Plate, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, timerKey(rec.Plate), "1", window)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	return err
}

func (s *RedisStore) UpdateRecord(ctx context.Context, rec *tracking.VehicleRecord, window time.Duration) error {
	key := recordKey(rec.Plate)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		var stored tracking.VehicleRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("decode record %s: %w", rec.Plate, err)
		}
		if stored.Version != rec.Version {
			return ErrConflict
		}
		next := *rec
		next.Version++
		encoded, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Plate, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.Set(ctx, timerKey(rec.Plate), "1", window)
			return nil
		})
		if err != nil {
			return err
		}
		rec.Version = next.Version
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) RemoveRecord(ctx context.Context, plate string, version int64) error {
	key := recordKey(plate)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("remove record: %w", err)
		}
		var stored tracking.VehicleRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("decode record %s: %w", plate, err)
		}
		if stored.Version != version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Del(ctx, timerKey(plate))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) TimerTTL(ctx context.Context, plate string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, timerKey(plate)).Result()
	if err != nil {
		return 0, fmt.Errorf("timer ttl: %w", err)
	}
	// -2 key absent, -1 no expiry set (treated as absent: timers are always
	// armed with a window).
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*tracking.VehicleRecord, error) {
	var records []*tracking.VehicleRecord
	iter := s.client.Scan(ctx, 0, recordPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, timerSuffix) {
			continue
		}
		plate := strings.TrimPrefix(key, recordPrefix)
		rec, err := s.GetRecord(ctx, plate)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return records, nil
}

func (s *RedisStore) ArchiveRecord(ctx context.Context, rec *tracking.ArchivedRecord, retention time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archive %s: %w", rec.Plate, err)
	}
	key := archiveKey(rec.Plate, rec.EpisodeID)
	if err := s.client.Set(ctx, key, data, retention).Err(); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	return nil
}

func (s *RedisStore) GetArchive(ctx context.Context, plate string) ([]*tracking.ArchivedRecord, error) {
	var records []*tracking.ArchivedRecord
	iter := s.client.Scan(ctx, 0, archivePrefix+plate+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get archive: %w", err)
		}
		var rec tracking.ArchivedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", plate, err)
		}
		records = append(records, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ArchivedAt.Before(records[j].ArchivedAt)
	})
	return records, nil
}

func (s *RedisStore) SetCamera(ctx context.Context, meta *tracking.CameraMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode camera %s: %w", meta.CameraID, err)
	}
	if err := s.client.Set(ctx, cameraKey(meta.CameraID), data, 0).Err(); err != nil {
		return fmt.Errorf("set camera: %w", err)
	}
	return nil
}

func (s *RedisStore) GetCamera(ctx context.Context, cameraID string) (*tracking.CameraMetadata, error) {
	data, err := s.client.Get(ctx, cameraKey(cameraID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get camera: %w", err)
	}
	var meta tracking.CameraMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode camera %s: %w", cameraID, err)
	}
	return &meta, nil
}

func (s *RedisStore) ListCameras(ctx context.Context) ([]*tracking.CameraMetadata, error) {
	var cameras []*tracking.CameraMetadata
	iter := s.client.Scan(ctx, 0, cameraPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		meta, err := s.GetCamera(ctx, strings.TrimPrefix(iter.Val(), cameraPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan cameras: %w", err)
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].CameraID < cameras[j].CameraID })
	return cameras, nil
}

// ExpiredTimers subscribes to keyspace expiry notifications and forwards the
// plate of every expired timer key. The subscription is closed when ctx is
// cancelled.
func (s *RedisStore) ExpiredTimers(ctx context.Context) (<-chan string, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", s.db)
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe expiry notifications: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				key := msg.Payload
				if !strings.HasPrefix(key, recordPrefix) || !strings.HasSuffix(key, timerSuffix) {
					continue
				}
				plate := strings.TrimSuffix(strings.TrimPrefix(key, recordPrefix), timerSuffix)
				select {
				case out <- plate:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
