package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// State represents the lifecycle state of a listener
type State int32

const (
	// StateIdle is the state before the first Accept
	StateIdle State = iota
	// StateAccepting is the state while no connection is open
	StateAccepting
	// StateDispatching is the state while connections are open
	StateDispatching
	// StateDraining is the state after shutdown started, nothing is accepted
	StateDraining
	// StateClosed is the final state
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAccepting:
		return "Accepting"
	case StateDispatching:
		return "Dispatching"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// rejectResponse is written raw to connections over the ceiling
const rejectResponse = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 20\r\n" +
	"Retry-After: 1\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable\n"

// rejectTimeout bounds the time spent answering a rejected connection
const rejectTimeout = time.Second

// limitListener bounds the number of open connections
type limitListener struct {
	net.Listener

	sem          *semaphore.Weighted
	reject       bool
	queueTimeout time.Duration
	metrics      *metrics

	active    int64
	state     int32
	drainCtx  context.Context
	drainStop context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// newLimitListener wraps l, maxConns of zero disables the ceiling
func newLimitListener(l net.Listener, c *Config, m *metrics) *limitListener {
	ctx, cancel := context.WithCancel(context.Background())
	ll := &limitListener{
		Listener:     l,
		reject:       c.Overload == OverloadReject,
		queueTimeout: c.QueueTimeout,
		metrics:      m,
		drainCtx:     ctx,
		drainStop:    cancel,
	}
	if c.MaxConns > 0 {
		ll.sem = semaphore.NewWeighted(int64(c.MaxConns))
	}

	return ll
}

// Accept waits for a connection that fits below the ceiling. Connections
// over the ceiling are queued or answered with a 503 off the accept loop.
func (l *limitListener) Accept() (net.Conn, error) {
	atomic.CompareAndSwapInt32(&l.state, int32(StateIdle), int32(StateAccepting))
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.draining() {
			c.Close()
			continue
		}
		if !l.acquire() {
			l.metrics.connRejected()
			go rejectConn(c)
			continue
		}

		atomic.AddInt64(&l.active, 1)
		l.metrics.connOpened()
		return &trackedConn{Conn: c, id: uuid.NewString(), release: l.release}, nil
	}
}

func (l *limitListener) acquire() bool {
	if l.sem == nil || l.sem.TryAcquire(1) {
		return true
	}
	if l.reject || l.queueTimeout <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(l.drainCtx, l.queueTimeout)
	defer cancel()
	return l.sem.Acquire(ctx, 1) == nil
}

func (l *limitListener) release() {
	atomic.AddInt64(&l.active, -1)
	l.metrics.connClosed()
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// drain stops admitting connections, queued ones are rejected
func (l *limitListener) drain() {
	atomic.StoreInt32(&l.state, int32(StateDraining))
	l.drainStop()
}

func (l *limitListener) draining() bool {
	return l.drainCtx.Err() != nil
}

// finish marks the listener closed once every connection is gone
func (l *limitListener) finish() {
	atomic.StoreInt32(&l.state, int32(StateClosed))
}

// Close closes the underlying listener, it is safe to call more than once
func (l *limitListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}

// Active returns the number of open connections
func (l *limitListener) Active() int64 {
	return atomic.LoadInt64(&l.active)
}

// State returns the current state
func (l *limitListener) State() State {
	s := State(atomic.LoadInt32(&l.state))
	if s == StateAccepting && l.Active() > 0 {
		return StateDispatching
	}
	return s
}

// rejectConn answers c with a 503 and closes it
func rejectConn(c net.Conn) {
	defer c.Close()
	log.WithField("remote", c.RemoteAddr().String()).Warn("connection ceiling reached, rejecting connection")

	_ = c.SetDeadline(time.Now().Add(rejectTimeout))
	_, err := io.WriteString(c, rejectResponse)
	if err != nil {
		log.Debugf("failed to write rejection: %s", err)
		return
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	// consume the request so closing does not reset the connection before
	// the client read the response
	_, _ = io.Copy(io.Discard, io.LimitReader(c, 64<<10))
}

// trackedConn releases its slot exactly once when closed
type trackedConn struct {
	net.Conn
	id      string
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// ReadFrom passes through to the wrapped connection so file bodies can be
// sent with sendfile
func (c *trackedConn) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := c.Conn.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(c.Conn, r)
}
