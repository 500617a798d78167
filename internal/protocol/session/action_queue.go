package session

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

type queueItem struct {
	low     bool
	counter uint64
	cmd     Command
}

// itemHeap orders high before low, then by insertion counter.
type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].low != h[j].low {
		return !h[i].low
	}
	return h[i].counter < h[j].counter
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ActionQueue delivers high-priority commands immediately. A low-priority
// command is only delivered once period has passed since the last throttled
// get of either tier. Deferred low items are kept in counter order and never
// dropped.
type ActionQueue struct {
	mu       sync.Mutex
	items    itemHeap
	deferred []queueItem
	counter  uint64
	period   time.Duration
	lastGet  time.Time
	notify   chan struct{}
	now      func() time.Time
}

func NewActionQueue(period time.Duration) *ActionQueue {
	return &ActionQueue{
		period: period,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *ActionQueue) Put(cmd Command, low bool) {
	q.mu.Lock()
	q.counter++
	heap.Push(&q.items, queueItem{low: low, counter: q.counter, cmd: cmd})
	q.mu.Unlock()
	q.wake()
}

// requeue puts back an item taken earlier, keeping its original position.
func (q *ActionQueue) requeue(item queueItem) {
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()
	q.wake()
}

// lastCounter is the counter of the most recently Put item.
func (q *ActionQueue) lastCounter() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counter
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.deferred)
}

func (q *ActionQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get returns the next command, waiting up to timeout. ignoreThrottling
// returns the next item of either tier, high first, then the oldest low.
func (q *ActionQueue) Get(timeout time.Duration, ignoreThrottling bool) (Command, error) {
	item, err := q.get(timeout, ignoreThrottling)
	if err != nil {
		return nil, err
	}
	return item.cmd, nil
}

func (q *ActionQueue) get(timeout time.Duration, ignoreThrottling bool) (queueItem, error) {
	deadline := q.now().Add(timeout)
	for {
		q.mu.Lock()
		item, ok, throttled := q.poll(ignoreThrottling)
		q.mu.Unlock()
		if ok {
			return item, nil
		}
		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return queueItem{}, ErrEmpty
		}
		if throttled > 0 && throttled < wait {
			wait = throttled
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// poll must be called with q.mu held. When only throttled low items are
// available it reports how long until the throttle opens.
func (q *ActionQueue) poll(ignoreThrottling bool) (queueItem, bool, time.Duration) {
	if len(q.items) > 0 && !q.items[0].low {
		if !ignoreThrottling {
			q.lastGet = q.now()
		}
		return heap.Pop(&q.items).(queueItem), true, 0
	}
	for len(q.items) > 0 {
		q.deferred = insertByCounter(q.deferred, heap.Pop(&q.items).(queueItem))
	}
	if len(q.deferred) == 0 {
		return queueItem{}, false, 0
	}
	now := q.now()
	if !ignoreThrottling && !q.lastGet.IsZero() {
		if elapsed := now.Sub(q.lastGet); elapsed < q.period {
			return queueItem{}, false, q.period - elapsed
		}
	}
	item := q.deferred[0]
	q.deferred = q.deferred[1:]
	if !ignoreThrottling {
		q.lastGet = now
	}
	return item, true, 0
}

func insertByCounter(items []queueItem, item queueItem) []queueItem {
	i := sort.Search(len(items), func(i int) bool { return items[i].counter > item.counter })
	items = append(items, queueItem{})
	copy(items[i+1:], items[i:])
	items[i] = item
	return items
}
