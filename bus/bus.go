/*
Package bus implements the durable message bus that links the pipeline
stages. Queues live in the node's key-value database under prefixed
namespaces, so a publish is confirmed the moment its transaction commits and
unacknowledged deliveries survive a crash.

# Key layout

Per queue name:

  - qs/<queue>          next sequence number (8-byte big-endian)
  - qc/<queue>          current depth (8-byte big-endian)
  - q/<queue>/<seq>     stored item (CBOR)
  - qr/<queue>/<seq>    reservation for an in-flight delivery

Sequence numbers order iteration, so consumption is FIFO among ready items.
A reservation marks an item as delivered but not yet acknowledged; stale
reservations are cleared on startup and by a background monitor, which makes
crashed consumers' items deliverable again.
*/
package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/scrutin-node/db"
	"github.com/vocdoni/scrutin-node/db/prefixeddb"
	"github.com/vocdoni/scrutin-node/log"
)

// Pipeline queue names.
const (
	QueueValidation  = "validation"
	QueueAggregation = "aggregation"
	QueueReview      = "review"
)

var (
	// ErrNoMoreElements is returned by Next when no ready item is available.
	ErrNoMoreElements = errors.New("no more elements")
	// ErrQueueFull is returned by Publish when the queue is at its maximum
	// length. Ingestion translates it to a 503.
	ErrQueueFull = errors.New("queue full")
	// ErrUnknownQueue is returned for operations on an undeclared queue.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrNotReserved is returned when acking or nacking an item that holds
	// no reservation.
	ErrNotReserved = errors.New("item not reserved")
)

// QueueConfig declares one queue. Items nacked without requeue are moved to
// the DeadLetter queue, or dropped if none is set.
type QueueConfig struct {
	Name       string
	DeadLetter string
}

// Options configures a Bus.
type Options struct {
	Queues []QueueConfig
	// MaxLength caps the depth of every queue. Zero means unbounded.
	MaxLength int64
	// ReservationTTL is the age after which an unacknowledged delivery is
	// considered abandoned and released for redelivery.
	ReservationTTL time.Duration
	// MonitorInterval is how often stale reservations are checked.
	MonitorInterval time.Duration
}

// Delivery is a reserved item handed to a consumer. The consumer must
// finish it with Ack or Nack, referencing the queue and sequence number.
type Delivery struct {
	Queue      string
	Seq        uint64
	Body       []byte
	RoutingKey string
	// Attempts counts prior deliveries that ended in a requeue.
	Attempts int64
}

// Bus is the embedded broker. All operations are safe for concurrent use.
type Bus struct {
	db         db.Database
	globalLock sync.Mutex
	queues     map[string]QueueConfig
	maxLength  int64
	stop       chan struct{}
	stopOnce   sync.Once
}

// item is the stored form of a queue entry.
type item struct {
	Body       []byte `cbor:"0,keyasint"`
	RoutingKey string `cbor:"1,keyasint,omitempty"`
	Attempts   int64  `cbor:"2,keyasint,omitempty"`
	EnqueuedAt int64  `cbor:"3,keyasint,omitempty"`
	// NotBefore delays redelivery after a backoff nack (unix seconds).
	NotBefore int64 `cbor:"4,keyasint,omitempty"`
}

// reservationRecord stores metadata about a reservation.
type reservationRecord struct {
	Timestamp int64 `cbor:"0,keyasint"`
}

// PipelineQueues returns the queue topology of the vote pipeline: validation
// and aggregation dead-letter into review, review keeps whatever lands in it.
func PipelineQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueValidation, DeadLetter: QueueReview},
		{Name: QueueAggregation, DeadLetter: QueueReview},
		{Name: QueueReview},
	}
}

// New opens the bus over the given database, clears reservations left behind
// by a previous run and starts the stale reservation monitor.
func New(database db.Database, opts Options) (*Bus, error) {
	if len(opts.Queues) == 0 {
		return nil, fmt.Errorf("no queues declared")
	}
	b := &Bus{
		db:        database,
		queues:    make(map[string]QueueConfig, len(opts.Queues)),
		maxLength: opts.MaxLength,
		stop:      make(chan struct{}),
	}
	for _, q := range opts.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("queue with empty name")
		}
		if _, dup := b.queues[q.Name]; dup {
			return nil, fmt.Errorf("queue %q declared twice", q.Name)
		}
		b.queues[q.Name] = q
	}
	for _, q := range opts.Queues {
		if q.DeadLetter != "" {
			if _, ok := b.queues[q.DeadLetter]; !ok {
				return nil, fmt.Errorf("queue %q dead-letters to undeclared queue %q", q.Name, q.DeadLetter)
			}
		}
	}

	// After a crash any reservations left behind must be cleared so the
	// corresponding items are deliverable again.
	if err := b.recover(); err != nil {
		return nil, fmt.Errorf("recover reservations: %w", err)
	}

	b.monitorStaleReservations(opts.ReservationTTL, opts.MonitorInterval)
	return b, nil
}

// Close stops the background monitor. It does not close the underlying
// database, which the caller owns.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Publish appends body to the queue and confirms it by committing the write.
// Returns ErrQueueFull when the queue is at its maximum length.
func (b *Bus) Publish(queue string, body []byte, routingKey string) error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return b.enqueue(queue, &item{
		Body:       body,
		RoutingKey: routingKey,
		EnqueuedAt: time.Now().Unix(),
	})
}

// PublishWait publishes like Publish but stops waiting when the context
// expires. The publish itself is not canceled; a late commit still lands,
// the caller just stops waiting for the confirm.
func (b *Bus) PublishWait(ctx context.Context, queue string, body []byte, routingKey string) error {
	done := make(chan error, 1)
	go func() { done <- b.Publish(queue, body, routingKey) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue writes an item and bumps the counters in a single transaction.
// The caller must hold globalLock. Dead-letter moves bypass this path so the
// length cap never drops rejected work on the floor.
func (b *Bus) enqueue(queue string, it *item) error {
	if b.maxLength > 0 {
		depth, err := b.depth(queue)
		if err != nil {
			return err
		}
		if depth >= b.maxLength {
			return fmt.Errorf("%w: %s at %d", ErrQueueFull, queue, depth)
		}
	}
	val, err := encodeItem(it)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	wTx := b.db.WriteTx()
	defer wTx.Discard()

	seq, err := nextCounter(wTx, seqKey(queue))
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	if err := wTx.Set(itemKey(queue, seq), val); err != nil {
		return err
	}
	if err := addCounter(wTx, depthKey(queue), 1); err != nil {
		return err
	}
	return wTx.Commit()
}

// Next returns the oldest ready item of the queue and reserves it. Items
// that are reserved or still inside a backoff delay are skipped. Returns
// ErrNoMoreElements when nothing is ready.
func (b *Bus) Next(queue string) (*Delivery, error) {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	now := time.Now().Unix()
	pr := prefixeddb.NewPrefixedReader(b.db, itemPrefix(queue))
	var chosenKey, chosenVal []byte
	if err := pr.Iterate(nil, func(k, v []byte) bool {
		if b.isReserved(queue, k) {
			return true
		}
		var it item
		if err := decodeItem(v, &it); err == nil && it.NotBefore > now {
			return true
		}
		chosenKey = make([]byte, len(k))
		copy(chosenKey, k)
		chosenVal = v
		return false
	}); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", queue, err)
	}
	if chosenVal == nil {
		return nil, ErrNoMoreElements
	}

	var it item
	if err := decodeItem(chosenVal, &it); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	if err := b.setReservation(queue, chosenKey); err != nil {
		return nil, ErrNoMoreElements
	}
	return &Delivery{
		Queue:      queue,
		Seq:        binary.BigEndian.Uint64(chosenKey),
		Body:       it.Body,
		RoutingKey: it.RoutingKey,
		Attempts:   it.Attempts,
	}, nil
}

// Ack acknowledges a delivery, removing the item and its reservation.
func (b *Bus) Ack(queue string, seq uint64) error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	key := seqBytes(seq)
	if !b.isReserved(queue, key) {
		return fmt.Errorf("%w: %s/%d", ErrNotReserved, queue, seq)
	}
	return b.remove(queue, key)
}

// Nack rejects a delivery. With requeue the item is released for redelivery
// once the delay has passed and its attempt counter is bumped. Without
// requeue the item is moved to the queue's dead-letter target, or dropped
// when none is declared.
func (b *Bus) Nack(queue string, seq uint64, requeue bool, delay time.Duration) error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	key := seqBytes(seq)
	if !b.isReserved(queue, key) {
		return fmt.Errorf("%w: %s/%d", ErrNotReserved, queue, seq)
	}

	raw, err := prefixeddb.NewPrefixedReader(b.db, itemPrefix(queue)).Get(key)
	if err != nil {
		return fmt.Errorf("get item %s/%d: %w", queue, seq, err)
	}
	var it item
	if err := decodeItem(raw, &it); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}

	if requeue {
		it.Attempts++
		it.NotBefore = 0
		if delay > 0 {
			it.NotBefore = time.Now().Add(delay).Unix()
		}
		val, err := encodeItem(&it)
		if err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		wTx := b.db.WriteTx()
		defer wTx.Discard()
		if err := wTx.Set(prefixKey(itemPrefix(queue), key), val); err != nil {
			return err
		}
		if err := wTx.Delete(prefixKey(reservationPrefix(queue), key)); err != nil {
			return err
		}
		return wTx.Commit()
	}

	// Removal and the dead-letter move commit together, so a crash can
	// never lose the item between queues.
	wTx := b.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(prefixKey(itemPrefix(queue), key)); err != nil {
		return err
	}
	if err := wTx.Delete(prefixKey(reservationPrefix(queue), key)); err != nil {
		return err
	}
	if err := addCounter(wTx, depthKey(queue), -1); err != nil {
		return err
	}
	target := b.queues[queue].DeadLetter
	if target == "" {
		log.Warnw("dropping nacked item, queue has no dead-letter target",
			"queue", queue, "seq", seq, "attempts", it.Attempts)
		return wTx.Commit()
	}
	it.NotBefore = 0
	val, err := encodeItem(&it)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	targetSeq, err := nextCounter(wTx, seqKey(target))
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	if err := wTx.Set(prefixKey(itemPrefix(target), seqBytes(targetSeq)), val); err != nil {
		return err
	}
	if err := addCounter(wTx, depthKey(target), 1); err != nil {
		return err
	}
	return wTx.Commit()
}

// Depth returns the number of items in the queue, including reserved and
// delayed ones.
func (b *Bus) Depth(queue string) (int64, error) {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return b.depth(queue)
}

// Peek returns up to limit items from the head of the queue without
// reserving anything. Reserved items are included: a peek is an operator's
// read-only inspection, not a consumption.
func (b *Bus) Peek(queue string, limit int) ([]Delivery, error) {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var out []Delivery
	pr := prefixeddb.NewPrefixedReader(b.db, itemPrefix(queue))
	if err := pr.Iterate(nil, func(k, v []byte) bool {
		var it item
		if err := decodeItem(v, &it); err != nil {
			return true
		}
		out = append(out, Delivery{
			Queue:      queue,
			Seq:        binary.BigEndian.Uint64(k),
			Body:       it.Body,
			RoutingKey: it.RoutingKey,
			Attempts:   it.Attempts,
		})
		return limit <= 0 || len(out) < limit
	}); err != nil {
		return nil, fmt.Errorf("iterate queue %s: %w", queue, err)
	}
	return out, nil
}

// remove deletes an item and its reservation and decrements the depth
// counter in one transaction. The caller must hold globalLock.
func (b *Bus) remove(queue string, key []byte) error {
	wTx := b.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(prefixKey(itemPrefix(queue), key)); err != nil {
		return err
	}
	if err := wTx.Delete(prefixKey(reservationPrefix(queue), key)); err != nil {
		return err
	}
	if err := addCounter(wTx, depthKey(queue), -1); err != nil {
		return err
	}
	return wTx.Commit()
}

func (b *Bus) setReservation(queue string, key []byte) error {
	val, err := encodeItem(&reservationRecord{Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(b.db.WriteTx(), reservationPrefix(queue))
	defer wTx.Discard()
	if _, err := wTx.Get(key); err == nil {
		return fmt.Errorf("already reserved")
	}
	if err := wTx.Set(key, val); err != nil {
		return err
	}
	return wTx.Commit()
}

func (b *Bus) isReserved(queue string, key []byte) bool {
	_, err := prefixeddb.NewPrefixedReader(b.db, reservationPrefix(queue)).Get(key)
	return err == nil
}

func (b *Bus) depth(queue string) (int64, error) {
	raw, err := b.db.Get(depthKey(queue))
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// recover clears every reservation of every queue. It runs once at startup
// so deliveries abandoned by a crash become available again.
func (b *Bus) recover() error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	for name := range b.queues {
		prefix := reservationPrefix(name)
		var staleKeys [][]byte
		if err := prefixeddb.NewPrefixedReader(b.db, prefix).Iterate(nil, func(k, _ []byte) bool {
			staleKeys = append(staleKeys, append([]byte(nil), k...))
			return true
		}); err != nil {
			return fmt.Errorf("iterate reservations for %s: %w", name, err)
		}
		if len(staleKeys) == 0 {
			continue
		}
		wTx := prefixeddb.NewPrefixedWriteTx(b.db.WriteTx(), prefix)
		for _, k := range staleKeys {
			if err := wTx.Delete(k); err != nil {
				wTx.Discard()
				return fmt.Errorf("delete reservation: %w", err)
			}
		}
		if err := wTx.Commit(); err != nil {
			return fmt.Errorf("commit reservation cleanup: %w", err)
		}
		log.Debugw("cleared reservations", "queue", name, "count", len(staleKeys))
	}
	return nil
}

// releaseStaleReservations frees reservations older than maxAge so items
// held by crashed or stuck consumers are redelivered.
func (b *Bus) releaseStaleReservations(maxAge time.Duration) error {
	b.globalLock.Lock()
	defer b.globalLock.Unlock()

	now := time.Now().Unix()
	for name := range b.queues {
		prefix := reservationPrefix(name)
		var staleKeys [][]byte
		if err := prefixeddb.NewPrefixedReader(b.db, prefix).Iterate(nil, func(k, v []byte) bool {
			r := &reservationRecord{}
			if err := decodeItem(v, r); err != nil {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
				return true
			}
			if now-r.Timestamp > int64(maxAge.Seconds()) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
			return true
		}); err != nil {
			return fmt.Errorf("iterate stale reservations: %w", err)
		}
		if len(staleKeys) == 0 {
			continue
		}
		wTx := prefixeddb.NewPrefixedWriteTx(b.db.WriteTx(), prefix)
		for _, k := range staleKeys {
			if err := wTx.Delete(k); err != nil {
				wTx.Discard()
				return fmt.Errorf("delete stale reservation: %w", err)
			}
		}
		if err := wTx.Commit(); err != nil {
			return fmt.Errorf("commit stale deletion: %w", err)
		}
		log.Debugw("released stale reservations", "queue", name, "count", len(staleKeys))
	}
	return nil
}

// monitorStaleReservations periodically releases reservations that outlived
// the TTL, so deliveries are never stuck behind a dead consumer.
func (b *Bus) monitorStaleReservations(ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-b.stop:
				return
			case <-ticker.C:
				if err := b.releaseStaleReservations(ttl); err != nil {
					log.Warnw("failed to release stale reservations", "error", err)
				}
			}
		}
	}()
}

func itemPrefix(queue string) []byte        { return []byte("q/" + queue + "/") }
func reservationPrefix(queue string) []byte { return []byte("qr/" + queue + "/") }
func seqKey(queue string) []byte            { return []byte("qs/" + queue) }
func depthKey(queue string) []byte          { return []byte("qc/" + queue) }

func itemKey(queue string, seq uint64) []byte {
	return prefixKey(itemPrefix(queue), seqBytes(seq))
}

func prefixKey(prefix, key []byte) []byte {
	return append(append([]byte(nil), prefix...), key...)
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// nextCounter reads, increments and writes back the counter at key,
// returning the pre-increment value.
func nextCounter(wTx db.WriteTx, key []byte) (uint64, error) {
	var cur uint64
	raw, err := wTx.Get(key)
	switch {
	case err == nil:
		cur = binary.BigEndian.Uint64(raw)
	case errors.Is(err, db.ErrKeyNotFound):
	default:
		return 0, err
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, cur+1)
	if err := wTx.Set(key, next); err != nil {
		return 0, err
	}
	return cur, nil
}

// addCounter adjusts the signed counter at key by delta, clamping at zero.
func addCounter(wTx db.WriteTx, key []byte, delta int64) error {
	var cur int64
	raw, err := wTx.Get(key)
	switch {
	case err == nil:
		cur = int64(binary.BigEndian.Uint64(raw))
	case errors.Is(err, db.ErrKeyNotFound):
	default:
		return err
	}
	cur += delta
	if cur < 0 {
		cur = 0
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(cur))
	return wTx.Set(key, val)
}
