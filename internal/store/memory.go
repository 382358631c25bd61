package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process DocumentStore with the same observable
// semantics as the Redis backend. It backs unit tests and same-process
// play; two clients sharing one Memory instance exercise the full
// protocol, races included.
type Memory struct {
	mu            sync.Mutex
	records       map[string]Snapshot
	subs          map[string][]*memorySub
	cleanups      map[int]cleanupEntry
	nextCleanupID int
	closed        bool
}

type cleanupEntry struct {
	key    string
	fields Fields
}

type memorySub struct {
	ch   chan Snapshot
	done chan struct{}
	once sync.Once
}

func (that *memorySub) stop() {
	that.once.Do(func() { close(that.done) })
}

func (that *memorySub) send(snap Snapshot) {
	select {
	case that.ch <- snap:
	case <-that.done:
	}
}

func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]Snapshot),
		subs:     make(map[string][]*memorySub),
		cleanups: make(map[int]cleanupEntry),
	}
}

func (that *Memory) CreateRecord(_ context.Context, key string, fields Fields) error {
	that.mu.Lock()

	if that.closed {
		that.mu.Unlock()
		return ErrClosed
	}

	if _, ok := that.records[key]; ok {
		that.mu.Unlock()
		return ErrRecordExists
	}

	that.records[key] = make(Snapshot)
	if err := applyFields(that.records[key], fields); err != nil {
		delete(that.records, key)
		that.mu.Unlock()

		return err
	}

	targets, snap := that.fanoutLocked(key)
	that.mu.Unlock()

	deliver(targets, snap)

	return nil
}

func (that *Memory) Read(_ context.Context, key string) (Snapshot, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	record, ok := that.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}

	return copySnapshot(record), nil
}

func (that *Memory) PartialUpdate(_ context.Context, key string, fields Fields) error {
	that.mu.Lock()

	if that.closed {
		that.mu.Unlock()
		return ErrClosed
	}

	record, ok := that.records[key]
	if !ok {
		// A write to an absent record recreates it; the store has no
		// authority to refuse, matching last-write-wins semantics.
		record = make(Snapshot)
		that.records[key] = record
	}

	if err := applyFields(record, fields); err != nil {
		that.mu.Unlock()
		return err
	}

	targets, snap := that.fanoutLocked(key)
	that.mu.Unlock()

	deliver(targets, snap)

	return nil
}

func (that *Memory) Delete(_ context.Context, key string) error {
	that.mu.Lock()
	delete(that.records, key)
	targets, snap := that.fanoutLocked(key)
	that.mu.Unlock()

	deliver(targets, snap)

	return nil
}

func (that *Memory) Subscribe(ctx context.Context, key string, fn Callback) (CancelFunc, error) {
	that.mu.Lock()

	if that.closed {
		that.mu.Unlock()
		return nil, ErrClosed
	}

	sub := &memorySub{ch: make(chan Snapshot, 64), done: make(chan struct{})}
	that.subs[key] = append(that.subs[key], sub)

	initial := copySnapshot(that.records[key])
	that.mu.Unlock()

	// Deliver through a dedicated goroutine so callbacks are sequential
	// per subscription and may freely call back into the store.
	go func() {
		for {
			select {
			case snap := <-sub.ch:
				fn(snap)
			case <-sub.done:
				return
			}
		}
	}()

	sub.send(initial)

	cancel := func() {
		that.mu.Lock()
		remaining := that.subs[key][:0]
		for _, s := range that.subs[key] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		that.subs[key] = remaining
		that.mu.Unlock()

		sub.stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return cancel, nil
}

func (that *Memory) RegisterDisconnectCleanup(key string, fields Fields) CancelFunc {
	that.mu.Lock()
	defer that.mu.Unlock()

	id := that.nextCleanupID
	that.nextCleanupID++
	that.cleanups[id] = cleanupEntry{key: key, fields: fields}

	return func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		delete(that.cleanups, id)
	}
}

// Close applies pending disconnect cleanups and stops all subscriptions.
func (that *Memory) Close() error {
	that.mu.Lock()
	cleanups := that.cleanups
	that.cleanups = make(map[int]cleanupEntry)
	that.mu.Unlock()

	for _, entry := range cleanups {
		if err := that.PartialUpdate(context.Background(), entry.key, entry.fields); err != nil {
			return fmt.Errorf("disconnect cleanup for %q: %w", entry.key, err)
		}
	}

	that.mu.Lock()
	that.closed = true
	var all []*memorySub
	for _, subs := range that.subs {
		all = append(all, subs...)
	}
	that.subs = make(map[string][]*memorySub)
	that.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}

	return nil
}

// fanoutLocked snapshots the record and its subscribers; the caller
// sends outside the lock so a slow consumer cannot wedge writers.
func (that *Memory) fanoutLocked(key string) ([]*memorySub, Snapshot) {
	targets := make([]*memorySub, len(that.subs[key]))
	copy(targets, that.subs[key])

	return targets, copySnapshot(that.records[key])
}

func deliver(targets []*memorySub, snap Snapshot) {
	for _, sub := range targets {
		sub.send(snap)
	}
}

func applyFields(record Snapshot, fields Fields) error {
	for path, value := range fields {
		if value == nil {
			delete(record, path)
			for existing := range record {
				if strings.HasPrefix(existing, path+"/") {
					delete(record, existing)
				}
			}

			continue
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", path, err)
		}

		record[path] = raw
	}

	return nil
}

func copySnapshot(record Snapshot) Snapshot {
	snap := make(Snapshot, len(record))
	for path, raw := range record {
		snap[path] = raw
	}

	return snap
}
