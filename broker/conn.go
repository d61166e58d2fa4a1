package broker

import (
	"bufio"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/session"
)

// connState mirrors the lifecycle a connection moves through from accept to
// teardown. It is distinct from network.ConnectionState, which only tracks
// the raw socket; connState additionally tracks MQTT-level progress.
type connState int32

const (
	connStateNew connState = iota
	connStateConnecting
	connStateEstablished
	connStateClosing
	connStateClosed
)

// Conn is one client's runtime state inside a Domain: the transport
// connection, its session, its QoS bookkeeping and the serialized outbound
// writer. A Conn owns exactly one reader goroutine, started by the Domain
// when the connection is accepted, and one sequencer goroutine draining its
// write queue.
type Conn struct {
	domain *Domain
	net    *network.Connection
	reader *bufio.Reader

	state atomic.Int32

	// opMu serializes CONNECT/DISCONNECT/session-replacement transitions
	// so a takeover can't race a still-settling CONNACK.
	opMu sync.Mutex

	// refMu guards refCount, which tracks in-flight delivery goroutines
	// for this Conn so subscription mutations (drainInFlight) can wait for
	// them to finish before changing the router.
	refMu    sync.Mutex
	refCount int
	drained  chan struct{}

	clientID    string
	cleanStart  bool
	protocolVer byte
	keepAlive   time.Duration
	connectedAt time.Time

	session *session.Session
	qos     *qos.Handler // tracks QoS1/2 exchanges this side (the broker) initiated toward the client
	qosIn   *qos.Handler // tracks QoS2 exchanges the client initiated toward the broker
	client  *hook.Client
	ka      *network.KeepAlive

	seq *sequencer

	log *logger.SlogLogger

	closeOnce sync.Once
	closeErr  error
}

// newConn wraps an accepted socket in Conn state. reader may already have
// buffered bytes consumed while the domain for the connection was being
// resolved (CONNECT must be parsed before a Domain can be chosen); passing
// nil makes newConn allocate a fresh one, which is all a client-side dial
// needs.
func newConn(d *Domain, nc *network.Connection, reader *bufio.Reader) *Conn {
	if reader == nil {
		reader = bufio.NewReaderSize(nc, 4096)
	}
	c := &Conn{
		domain:  d,
		net:     nc,
		reader:  reader,
		drained: make(chan struct{}),
		log:     d.log.With("conn", nc.ID()),
	}
	c.state.Store(int32(connStateNew))
	c.seq = newSequencer(nc, c.log)
	return c
}

func (c *Conn) State() connState { return connState(c.state.Load()) }

func (c *Conn) setState(s connState) { c.state.Store(int32(s)) }

// acquire marks a handler goroutine as in-flight for this Conn. Subscription
// mutations call drainInFlight to wait for every acquired goroutine to call
// release before proceeding, giving the publish-quiescence guarantee the
// router relies on.
func (c *Conn) acquire() bool {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.State() >= connStateClosing {
		return false
	}
	c.refCount++
	return true
}

func (c *Conn) release() {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.refCount--
	if c.refCount == 0 && c.State() >= connStateClosing {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
}

func (c *Conn) drainInFlight(ctx context.Context) {
	for {
		c.refMu.Lock()
		n := c.refCount
		c.refMu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// send enqueues a fully encoded wire packet for serialized delivery. It
// never blocks the caller's goroutine on network I/O.
func (c *Conn) send(payload []byte) bool {
	return c.seq.enqueue(payload)
}

func (c *Conn) close(err error) error {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(connStateClosed)
		c.seq.close()
		if c.ka != nil {
			c.ka.Stop()
		}
		_ = c.net.Close()
		if c.qos != nil {
			_ = c.qos.Close()
		}
		if c.qosIn != nil {
			_ = c.qosIn.Close()
		}
	})
	return c.closeErr
}

func (c *Conn) readFixedHeader() (*encoding.FixedHeader, error) {
	return encoding.ParseFixedHeader(c.reader)
}
