package bridge

import "sync"

// playoutItem is one entry in the playout queue: either an audio chunk for
// the caller or a clear marker telling the caller's provider to discard its
// buffered audio.
type playoutItem struct {
	data  []byte
	clear bool
}

// playoutQueue buffers engine audio waiting to be written to the telephony
// leg. It is bounded by a byte budget; pushing past the budget evicts the
// oldest queued chunks first, so a slow caller socket hears the most recent
// speech rather than stalling the engine loop.
//
// On barge-in the clear marker rides the queue behind any chunk the consumer
// already holds, so the caller never receives pre-interrupt audio after the
// clear.
type playoutQueue struct {
	mu    sync.Mutex
	items []playoutItem
	size  int
	max   int

	// wake is signalled (capacity 1) whenever an item is queued or the owner
	// needs the consumer to re-check session state.
	wake chan struct{}
}

func newPlayoutQueue(maxBytes int) *playoutQueue {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &playoutQueue{
		max:  maxBytes,
		wake: make(chan struct{}, 1),
	}
}

// push appends an audio chunk, evicting audio from the front until the
// budget holds. It returns the number of bytes evicted. A single chunk
// larger than the whole budget is trimmed to its newest max bytes. Clear
// markers occupy no budget and are never evicted.
func (q *playoutQueue) push(chunk []byte) (dropped int) {
	if len(chunk) == 0 {
		return 0
	}

	q.mu.Lock()
	if len(chunk) > q.max {
		dropped += len(chunk) - q.max
		chunk = chunk[len(chunk)-q.max:]
	}
	for q.size+len(chunk) > q.max {
		idx := -1
		for i := range q.items {
			if !q.items[i].clear {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		evicted := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.size -= len(evicted.data)
		dropped += len(evicted.data)
	}
	q.items = append(q.items, playoutItem{data: chunk})
	q.size += len(chunk)
	q.mu.Unlock()

	q.wakeUp()
	return dropped
}

// interrupt discards all queued audio and enqueues a clear marker, returning
// the number of audio bytes dropped.
func (q *playoutQueue) interrupt() int {
	q.mu.Lock()
	dropped := q.size
	q.items = q.items[:0]
	q.items = append(q.items, playoutItem{clear: true})
	q.size = 0
	q.mu.Unlock()

	q.wakeUp()
	return dropped
}

// pop removes and returns the oldest queued item.
func (q *playoutQueue) pop() (playoutItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return playoutItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.size -= len(item.data)
	return item, true
}

// flush discards everything queued and returns the number of audio bytes
// dropped.
func (q *playoutQueue) flush() int {
	q.mu.Lock()
	dropped := q.size
	q.items = nil
	q.size = 0
	q.mu.Unlock()
	return dropped
}

// pending returns the number of queued audio bytes.
func (q *playoutQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// wakeUp nudges the consumer without blocking.
func (q *playoutQueue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
