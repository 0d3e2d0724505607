package scheduler

import (
	"time"

	"github.com/scraperctl/scraperctl/request"
)

// pendingRequest is the heap element shared by the ready and delayed
// heaps; a Request occupies exactly one of the two at a time.
type pendingRequest struct {
	req       *request.Request
	seq       int64
	notBefore time.Time
}

// readyHeap orders pendingRequests by (priority, seq): lower priority
// values first, ties broken by submission order. Grounded on
// aioscraper's PRequest-keyed asyncio.PriorityQueue in
// core/request_manager.py, translated to container/heap since Go's
// standard library has no priority-queue container type and the
// example pack carries no third-party one.
type readyHeap []*pendingRequest

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*pendingRequest)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap orders pendingRequests by NotBefore, the aioscraper
// _delayed_heap equivalent that holds requests not yet due.
type delayedHeap []*pendingRequest

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool { return h[i].notBefore.Before(h[j].notBefore) }

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*pendingRequest)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
