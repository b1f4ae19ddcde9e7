package scan

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/gridscan/pkg/metrics"
)

// ConnJob is the socket-ownership mixin for streaming job variants (Basic,
// Aggr). It owns the client file handle adopted from the originating
// transaction, serializes writes under send_mutex, and guarantees exactly
// one of {finish sent fin, fd force-closed on error, fd disowned back to
// caller} happens per job.
type ConnJob struct {
	owner *ScanJob

	mu       sync.Mutex
	conn     net.Conn
	timeout  time.Duration // 0 == infinite
	compress bool

	netIOBytes uint64
}

// ownFD adopts the socket from the originating request. timeoutMS of 0
// means infinite (no write deadline).
func (c *ConnJob) ownFD(owner *ScanJob, conn net.Conn, timeoutMS int, compress bool) {
	c.owner = owner
	c.conn = conn
	c.compress = compress
	if timeoutMS > 0 {
		c.timeout = time.Duration(timeoutMS) * time.Millisecond
	}
}

// disownFD is the start_job-failure rollback path: give the socket back to
// the caller's transaction path without closing or sending anything.
func (c *ConnJob) disownFD() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

// sendResponse frames buf as a single response message, optionally
// compresses it, and writes the whole thing to the socket within the
// configured timeout. On any write failure it force-closes the fd and
// abandons the owning job with RESPONSE_TIMEOUT or RESPONSE_ERROR.
func (c *ConnJob) sendResponse(buf *chunkBuffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return false
	}

	timer := metrics.NewTimer()
	framed := frameMessage(buf.payload(), c.compress)

	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}

	n, err := writeFull(c.conn, framed)
	timer.ObserveDuration(metrics.ChunkSendSeconds)
	atomic.AddUint64(&c.netIOBytes, uint64(n))

	if err != nil {
		reason := ReasonResponseError
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			reason = ReasonResponseTimeout
		}
		c.forceCloseLocked()
		if c.owner != nil {
			c.owner.Abandon(reason)
		}
		return false
	}
	return true
}

// finish sends the terminal fin message carrying the job's abandonment
// code (ReasonNone, 0, if it ran to completion), then releases the fd. Called
// once workers are done touching the connection.
func (c *ConnJob) finish(reason AbandonReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	framed := frameMessage(encodeFin(reason), false)
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, _ := writeFull(c.conn, framed) // best-effort: job is ending regardless
	atomic.AddUint64(&c.netIOBytes, uint64(n))
	c.forceCloseLocked()
}

func (c *ConnJob) forceCloseLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *ConnJob) NetIOBytes() uint64 {
	return atomic.LoadUint64(&c.netIOBytes)
}

// writeFull writes the entire buffer, since a short write with no error is
// a real (if rare) possibility on some net.Conn implementations.
func writeFull(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
