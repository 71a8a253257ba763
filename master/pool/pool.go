// Package pool provides a worker pool object for use by the master.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/cp-cp/Computer-Graphics/shared/comms"
)

// HeartbeatFrequency controls how often heartbeats are sent to each worker in a pool.
const HeartbeatFrequency = 500 * time.Millisecond

// HeartbeatTimeout controls how long heartbeats are waited on before the associated worker is assumed to be disconnected.
const HeartbeatTimeout = 1000 * time.Millisecond

// ErrNoWorkers is returned when a task is assigned to an empty pool.
var ErrNoWorkers = errors.New("no workers in pool")

// Result is the outcome of one assigned task.
type Result struct {
	Address string // The worker the task was assigned to.
	Results *comms.TraceResults
	Err     error
}

// worker represents an entry in a pool.
type worker struct {
	address        string
	connection     *grpc.ClientConn
	client         comms.TraceClient
	stopHeartbeats chan struct{}
	closing        bool

	tasks int
	index int
}

// Pool represents a threadsafe worker pool.
type Pool struct {
	mu        sync.RWMutex
	heap      []*worker
	addresses map[string]*worker
	dialOpts  []grpc.DialOption
}

// NewPool creates a new worker pool with a given initial capacity.
// The dial options are used, after comms.Dial's defaults, to connect to every worker.
func NewPool(c int, opts ...grpc.DialOption) *Pool {
	return &Pool{
		heap:      make([]*worker, 0, c),
		addresses: make(map[string]*worker),
		dialOpts:  opts,
	}
}

// Destroy cleans up a worker pool.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Close all the open connections.
	for _, w := range p.addresses {
		p.remove(w)
	}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.heap)
}

// Addresses returns the addresses of the workers in the pool, least busy first.
func (p *Pool) Addresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	addresses := make([]string, len(p.heap))
	for i, w := range p.heap {
		addresses[i] = w.address
	}
	return addresses
}

// Tasks returns the number of tasks outstanding on the worker at address, and whether it is in the pool.
func (p *Pool) Tasks(address string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, exists := p.addresses[address]
	if !exists {
		return 0, false
	}
	return w.tasks, true
}

// swap swaps two workers in the heap.
// This function assumes that the heap has already been locked.
func (p *Pool) swap(i, j int) {
	if i < len(p.heap) && j < len(p.heap) {
		p.heap[i], p.heap[j] = p.heap[j], p.heap[i]

		// Update their indices.
		p.heap[i].index = i
		p.heap[j].index = j
	}
}

// inHeap reports whether w is still in the heap.
// This function assumes that the heap has already been locked.
func (p *Pool) inHeap(w *worker) bool {
	return w != nil && w.index < len(p.heap) && p.heap[w.index] == w
}

// bubbleUp pushes a worker up the heap as long as it has fewer tasks than its parent.
// This function assumes that the heap has already been locked.
func (p *Pool) bubbleUp(w *worker) {
	if !p.inHeap(w) {
		return
	}

	// While the worker has a parent...
	for i := w.index; i > 0; {
		parent := (i - 1) / 2

		// If the worker has fewer tasks than its parent, bubble up.
		if p.heap[i].tasks < p.heap[parent].tasks {
			p.swap(i, parent)
			i = parent
		} else {
			break
		}
	}
}

// bubbleDown pushes a worker down the heap as long as it has more tasks than one of its children.
// This function assumes that the heap has already been locked.
func (p *Pool) bubbleDown(w *worker) {
	if !p.inHeap(w) {
		return
	}

	// While the worker has at least one child...
	for i := w.index; 2*i+1 < len(p.heap); {
		// Compare against the child with fewer tasks.
		child := 2*i + 1
		if right := 2*i + 2; right < len(p.heap) && p.heap[right].tasks < p.heap[child].tasks {
			child = right
		}

		// If the worker has more tasks than that child, bubble down.
		if p.heap[i].tasks > p.heap[child].tasks {
			p.swap(i, child)
			i = child
		} else {
			break
		}
	}
}

// pick chooses the least busy worker whose address is not in avoid.
// If every worker is to be avoided, the least busy worker overall is chosen.
// This function assumes that the heap has already been locked, and is not empty.
func (p *Pool) pick(avoid []string) *worker {
	if len(avoid) == 0 {
		return p.heap[0]
	}
	skip := make(map[string]bool, len(avoid))
	for _, a := range avoid {
		skip[a] = true
	}
	var best *worker
	for _, w := range p.heap {
		if !skip[w.address] && (best == nil || w.tasks < best.tasks) {
			best = w
		}
	}
	if best == nil {
		return p.heap[0]
	}
	return best
}

// Assign assigns a task to the worker who is the least busy, preferring workers not listed in avoid.
// The result is delivered on the returned channel, which is then closed.
// The trace call is abandoned once ctx is done or timeout passes.
func (p *Pool) Assign(ctx context.Context, order *comms.WorkOrder, timeout time.Duration, avoid ...string) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.heap) == 0 {
		return nil, errors.Wrapf(ErrNoWorkers, "assign frame %d region at (%d, %d)", order.Frame, order.X, order.Y)
	}

	resultsCh := make(chan Result, 1)
	assignee := p.pick(avoid)

	// Assign the task and re-arrange the heap.
	assignee.tasks++
	p.bubbleDown(assignee)

	// Perform the task.
	go func(out chan<- Result) {
		defer close(out)

		// Create a timeout for the trace operation.
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// Attempt to trace.
		results, err := assignee.client.BulkTrace(ctx, order)
		if err != nil {
			log.Printf("Failed to trace on %s: %v.\n", assignee.address, err)
		}

		func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			// A worker that can't be reached is dropped straight away.
			if status.Code(err) == codes.Unavailable && p.addresses[assignee.address] == assignee {
				p.remove(assignee)
			}

			// Complete the task and re-arrange the heap (if the assignee is still in it).
			assignee.tasks--
			p.bubbleUp(assignee)

			// If this is the worker's last task, close the connection.
			if assignee.closing && assignee.tasks == 0 {
				assignee.connection.Close()
			}
		}()

		out <- Result{Address: assignee.address, Results: results, Err: err}
	}(resultsCh)

	return resultsCh, nil
}

// remove removes a worker from a pool and stops its heartbeats.
// This function assumes that the pool has already been locked, and that w is in the pool.
func (p *Pool) remove(w *worker) {
	wIndex := w.index

	// Remove the worker from the pool.
	delete(p.addresses, w.address)
	last := len(p.heap) - 1
	p.swap(last, wIndex)
	p.heap = p.heap[:last]

	// If necessary, re-arrange the heap.
	if wIndex < len(p.heap) {
		p.bubbleDown(p.heap[wIndex])
		p.bubbleUp(p.heap[wIndex])
	}

	// Close the worker and disconnect if there are no remaining tasks.
	close(w.stopHeartbeats)
	w.closing = true
	if w.tasks == 0 {
		w.connection.Close()
	}
}

// heartbeat periodically sends out heartbeat messages to a worker.
// This function should be spun off as a goroutine.
func (p *Pool) heartbeat(w *worker) {
	ticker := time.NewTicker(HeartbeatFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopHeartbeats:
			return
		case <-ticker.C:
		}

		// Set up a timeout for the heartbeat.
		ctx, cancel := context.WithTimeout(context.Background(), HeartbeatTimeout)
		_, err := w.client.Heartbeat(ctx, &emptypb.Empty{})
		cancel()
		if err == nil {
			continue
		}
		log.Printf("Failed to send heartbeat to %s: %v.\n", w.address, err)

		p.mu.Lock()
		// The worker may have been removed while the heartbeat was in flight.
		if p.addresses[w.address] == w {
			p.remove(w)
		}
		p.mu.Unlock()
		return
	}
}

// Add adds a new worker to the pool.
// Adding an address that is already in the pool does nothing.
func (p *Pool) Add(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.addresses[address]; exists {
		return nil
	}

	// Connect to the worker.
	// This ClientConn is threadsafe.
	conn, err := comms.Dial(address, p.dialOpts...)
	if err != nil {
		return errors.Wrapf(err, "connect to worker %s", address)
	}

	// Set up a new worker.
	w := &worker{
		address:        address,
		connection:     conn,
		client:         comms.NewTraceClient(conn),
		stopHeartbeats: make(chan struct{}),
		index:          len(p.heap),
	}

	// Add the worker to the pool.
	p.addresses[address] = w
	p.heap = append(p.heap, w)
	p.bubbleUp(w)

	// Spin off a goroutine to send the worker heartbeats.
	go p.heartbeat(w)

	return nil
}

// Remove removes a worker from the pool.
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, exists := p.addresses[address]; exists {
		p.remove(w)
	}
}
