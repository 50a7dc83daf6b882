package router

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabhub/pushgate/internal/registry"
)

// fileIDWindow is how long file ids accumulate for a single connection before being flushed as one batched
// notify_file_id frame, per spec's ~50ms coalescing window.
const fileIDWindow = 50 * time.Millisecond

type pendingBatch struct {
	handle registry.Handle
	ids    []int64
	timer  *time.Timer
}

// fileIDBatcher coalesces per-connection notify_file_id ids within a short window into a single frame, so a burst
// of storage_update events for the same connection does not turn into a burst of tiny JSON-array frames.
type fileIDBatcher struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingBatch
	window  time.Duration
	flush   func(registry.Handle, []int64)
}

// newFileIDBatcher builds a batcher that calls flush once per connection per window, with every id added to that
// connection since the previous flush.
func newFileIDBatcher(window time.Duration, flush func(registry.Handle, []int64)) *fileIDBatcher {
	if window <= 0 {
		window = fileIDWindow
	}
	return &fileIDBatcher{
		pending: make(map[uuid.UUID]*pendingBatch),
		window:  window,
		flush:   flush,
	}
}

// add accumulates fileID for handle's connection, starting the flush timer on the first id since the last flush.
func (b *fileIDBatcher) add(handle registry.Handle, fileID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	connID := handle.ID()
	p, ok := b.pending[connID]
	if !ok {
		p = &pendingBatch{handle: handle}
		b.pending[connID] = p
	}
	p.ids = append(p.ids, fileID)
	if p.timer == nil {
		p.timer = time.AfterFunc(b.window, func() { b.drain(connID) })
	}
}

func (b *fileIDBatcher) drain(connID uuid.UUID) {
	b.mu.Lock()
	p, ok := b.pending[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, connID)
	b.mu.Unlock()

	b.flush(p.handle, p.ids)
}
