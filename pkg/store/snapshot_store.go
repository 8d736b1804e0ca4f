package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"docintel/pkg/domain"
	"github.com/redis/go-redis/v9"
)

const defaultSnapshotPrefix = "docintel:session:"

// MemorySnapshotStore keeps snapshots in-process. Entries expire ttl after
// their last save; a zero ttl keeps them until deleted.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	snaps     map[string]memorySnapshot
	lastSweep time.Time
}

type memorySnapshot struct {
	snap    domain.Snapshot
	expires time.Time
}

// NewMemorySnapshotStore initializes an empty in-memory snapshot store.
func NewMemorySnapshotStore(ttl time.Duration) *MemorySnapshotStore {
	return &MemorySnapshotStore{
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
		snaps: make(map[string]memorySnapshot),
	}
}

// SaveSnapshot stores snap. A held document without payload keeps the
// payload saved earlier for the same document.
func (m *MemorySnapshotStore) SaveSnapshot(_ context.Context, snap domain.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return errors.New("snapshot id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	if prev, ok := m.snaps[snap.ID]; ok && snap.Document != nil && len(snap.Document.Payload) == 0 &&
		prev.snap.Document != nil && prev.snap.Document.ID == snap.Document.ID {
		doc := *snap.Document
		doc.Payload = prev.snap.Document.Payload
		snap.Document = &doc
	}
	entry := memorySnapshot{snap: snap}
	if m.ttl > 0 {
		entry.expires = now.Add(m.ttl)
	}
	m.snaps[snap.ID] = entry
	return nil
}

func (m *MemorySnapshotStore) LoadSnapshot(_ context.Context, sessionID string) (domain.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.snaps[sessionID]
	if !ok {
		return domain.Snapshot{}, false, nil
	}
	if entry.expired(m.now()) {
		delete(m.snaps, sessionID)
		return domain.Snapshot{}, false, nil
	}
	if doc := entry.snap.Document; doc != nil && len(doc.Payload) == 0 {
		return domain.Snapshot{}, false, nil
	}
	return entry.snap, true, nil
}

func (m *MemorySnapshotStore) DeleteSnapshot(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, sessionID)
	return nil
}

// Len reports how many snapshots are held, expired ones included until swept.
func (m *MemorySnapshotStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func (m *MemorySnapshotStore) sweepLocked(now time.Time) {
	if m.ttl <= 0 || now.Sub(m.lastSweep) < time.Minute {
		return
	}
	m.lastSweep = now
	for id, entry := range m.snaps {
		if entry.expired(now) {
			delete(m.snaps, id)
		}
	}
}

func (e memorySnapshot) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// RedisSnapshotStore keeps snapshots in Redis with TTL, refreshed on every save.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore builds a Redis-backed snapshot store.
func NewRedisSnapshotStore(addr, password, prefix string, ttl time.Duration) (*RedisSnapshotStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("snapshot store redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultSnapshotPrefix
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSnapshotStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// SaveSnapshot writes the snapshot and, under its own key, the document
// payload tagged with the document id. A held document without payload
// keeps the stored payload and refreshes its TTL.
func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return errors.New("snapshot id required")
	}
	var payload []byte
	if snap.Document != nil {
		payload = snap.Document.Payload
		doc := *snap.Document
		doc.Payload = nil
		snap.Document = &doc
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(snap.ID), data, s.ttl)
		switch {
		case snap.Document == nil:
			pipe.Del(ctx, s.payloadKey(snap.ID))
		case len(payload) > 0:
			pipe.HSet(ctx, s.payloadKey(snap.ID), "documentId", snap.Document.ID, "data", payload)
			pipe.Expire(ctx, s.payloadKey(snap.ID), s.ttl)
		default:
			pipe.Expire(ctx, s.payloadKey(snap.ID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reports a snapshot whose payload is gone, or belongs to a
// different document, as not found.
func (s *RedisSnapshotStore) LoadSnapshot(ctx context.Context, sessionID string) (domain.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Document == nil {
		return snap, true, nil
	}
	vals, err := s.client.HMGet(ctx, s.payloadKey(sessionID), "documentId", "data").Result()
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("load snapshot payload: %w", err)
	}
	documentID, _ := vals[0].(string)
	payload, _ := vals[1].(string)
	if documentID != snap.Document.ID || payload == "" {
		return domain.Snapshot{}, false, nil
	}
	snap.Document.Payload = []byte(payload)
	return snap, true, nil
}

func (s *RedisSnapshotStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.key(sessionID), s.payloadKey(sessionID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}

func (s *RedisSnapshotStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisSnapshotStore) payloadKey(sessionID string) string {
	return s.prefix + sessionID + ":payload"
}
