package connections

import (
	"net/netip"
	"time"

	"github.com/eapache/queue"

	"github.com/bagel897/nearby/internal/eventsource"
)

// record is the poll goroutine's private state for one connection.
type record struct {
	handle  Handle
	cfg     ConnectionConfig
	state   State
	attempt uint32

	fd         int // -1 until a socket exists
	registered bool
	interest   eventsource.Interest
	addrs      []netip.Addr
	remote     netip.AddrPort
	resolving  bool

	hs          Handshaker
	hsWantWrite bool

	// Pending writes: a FIFO of chunks, head is the offset into the
	// front chunk, queued the unwritten byte count.
	wq     *queue.Queue
	head   int
	queued int

	peerEOF        bool
	closeRequested bool
	retrying       bool // failed with a reconnect scheduled

	lastActivity time.Time
	deadline     time.Time
	bytesIn      uint64
	bytesOut     uint64
	err          error
}

func newRecord(h Handle, cfg ConnectionConfig, attempt uint32) *record {
	return &record{
		handle:  h,
		cfg:     cfg,
		attempt: attempt,
		fd:      -1,
		wq:      queue.New(),
	}
}

func (r *record) id() uint64 { return r.handle.ID }

// enqueue appends a chunk to the pending-write FIFO.
func (r *record) enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	r.wq.Add(p)
	r.queued += len(p)
}

// front returns the unwritten part of the oldest chunk.
func (r *record) front() []byte {
	return r.wq.Peek().([]byte)[r.head:]
}

// advance consumes n written bytes from the front chunk.
func (r *record) advance(n int) {
	r.queued -= n
	r.head += n
	if r.head == len(r.wq.Peek().([]byte)) {
		r.wq.Remove()
		r.head = 0
	}
}

// dropQueue discards every pending write and returns the byte count.
func (r *record) dropQueue() int {
	n := r.queued
	for r.wq.Length() > 0 {
		r.wq.Remove()
	}
	r.head, r.queued = 0, 0
	return n
}

// ── Published view ───────────────────────────────────────────────────

// Snapshot is a point-in-time copy of a connection's state.
type Snapshot struct {
	Handle            Handle
	State             State
	Remote            netip.AddrPort // zero until an address is chosen
	Attempt           uint32
	PendingWriteBytes int
	Throttled         bool
	BytesIn           uint64
	BytesOut          uint64
	LastActivity      time.Time
	Deadline          time.Time // zero when no deadline is armed
	Err               error     // set once Failed
}

// view is what callers of Send/Close/Stats can see; guarded by Core.mu.
type view struct {
	snap    Snapshot
	closing bool
	limit   int
}
