package realtime

import (
	"context"
	"log/slog"
	"time"
)

// Batcher drains a session's pending-write queue and performs bulk durable
// writes out of band. One Batcher runs per session for the lifetime of the
// connection's active state.
//
// Persistence here is fire-and-forget by policy: delivery to clients already
// happened via fanout, so a failed batch is logged and dropped, never retried
// and never surfaced to the client.
type Batcher struct {
	log     *slog.Logger
	store   MessageStore
	cache   *conversationCache
	metrics *Metrics

	queue chan DirectWrite

	pollEvery time.Duration
	maxBatch  int

	done chan struct{}
}

// NewBatcher constructs a Batcher with defaults from limits.go.
func NewBatcher(log *slog.Logger, store MessageStore, cache *conversationCache, metrics *Metrics) *Batcher {
	return &Batcher{
		log:       log,
		store:     store,
		cache:     cache,
		metrics:   metrics,
		queue:     make(chan DirectWrite, batchQueueSize),
		pollEvery: batchPollInterval,
		maxBatch:  batchMaxSize,
		done:      make(chan struct{}),
	}
}

// Enqueue hands a write to the batcher without blocking.
// Overflow is dropped and counted; the fanout path must never wait on storage.
func (b *Batcher) Enqueue(w DirectWrite) {
	select {
	case b.queue <- w:
	default:
		b.metrics.incBatchDropped()
		b.log.Warn("batcher.queue.full", "sender", w.Sender, "receiver", w.Receiver)
	}
}

// Done is closed once Run has returned.
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}

// Run loops until ctx is cancelled: block on the queue with a short timeout,
// then drain non-blockingly up to the batch ceiling and flush in one round
// trip. On cancellation a final bounded flush drains whatever is left.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	timer := time.NewTimer(b.pollEvery)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.pollEvery)

		select {
		case <-ctx.Done():
			b.finalFlush()
			return
		case first := <-b.queue:
			batch := b.drainFrom(first)
			b.flush(ctx, batch)
		case <-timer.C:
			// Idle tick; nothing queued.
		}
	}
}

// drainFrom collects queued writes non-blockingly, starting from first,
// until the queue is momentarily empty or the batch ceiling is reached.
func (b *Batcher) drainFrom(first DirectWrite) []DirectWrite {
	batch := make([]DirectWrite, 1, b.maxBatch)
	batch[0] = first

	for len(batch) < b.maxBatch {
		select {
		case w := <-b.queue:
			batch = append(batch, w)
		default:
			return batch
		}
	}
	return batch
}

func (b *Batcher) flush(ctx context.Context, batch []DirectWrite) {
	if len(batch) == 0 {
		return
	}

	results, err := b.store.AppendDirectBatch(ctx, batch)
	if err != nil {
		b.metrics.incBatchFailed()
		b.log.Error("batcher.flush.fail", "batch_size", len(batch), "err", err)
		return
	}

	b.metrics.incBatchFlushed(len(batch))

	for i, res := range results {
		if i >= len(batch) {
			break
		}
		b.cache.put(batch[i].Sender, batch[i].Receiver, res.ConversationID)
	}
}

// finalFlush drains the queue once after cancellation, bounded in time.
// Discarding what cannot be flushed within the bound is acceptable.
func (b *Batcher) finalFlush() {
	var batch []DirectWrite
	for {
		select {
		case w := <-b.queue:
			batch = append(batch, w)
		default:
			if len(batch) == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), batchDrainTimeout)
			b.flush(ctx, batch)
			cancel()
			return
		}
	}
}
