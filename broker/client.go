package broker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/types/message"
)

// ClientWill mirrors a CONNECT packet's will fields for the client-facing API.
type ClientWill struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ClientOptions configures a Dial call. Address is a host:port pair for
// plain TCP/TLS; when WebSocket is set it is instead a ws:// or wss:// URL
// passed straight to DialWebSocket.
type ClientOptions struct {
	Address   string
	WebSocket bool
	Compress  bool
	TLSConfig *tls.Config

	ClientID     string
	Username     string
	Password     string
	CleanSession bool
	KeepAlive    time.Duration

	ConnectTimeout time.Duration
	Will           *ClientWill

	// ReconnectOnClose, when set, re-runs the connect path in a worker
	// goroutine using an exponential-backoff-with-jitter schedule after an
	// unexpected close, firing OnReconnect on success. Password is only
	// retained on the Client struct when this is set, since otherwise
	// there is nothing that would ever need to replay it.
	ReconnectOnClose bool
	Backoff          *network.BackoffConfig

	Log *logger.SlogLogger
}

func (o *ClientOptions) setDefaults() {
	if o.KeepAlive == 0 {
		o.KeepAlive = 60 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Log == nil {
		o.Log = logger.NewSlogLogger(0, nil)
	}
}

type subWait struct {
	suback *encoding.SubackPacket311
	err    error
}

// Client is the public façade for acting as an MQTT publisher or
// subscriber, as opposed to the broker-side Domain/Conn pair. It offers
// both a synchronous idiom (each call blocks on a buffered channel of size
// one until its reply arrives or times out) and an asynchronous one (a
// callback invoked once the reply arrives, on a goroutine of its own).
type Client struct {
	opts ClientOptions

	mu     sync.RWMutex
	nc     *network.Connection
	reader *bufio.Reader

	// qosIn tracks only QoS2 exchanges the BROKER initiated toward this
	// client (dedup + PUBREC/PUBCOMP handshake for inbound PUBLISH).
	// Exchanges the client itself initiates are tracked with the plain
	// maps below instead of a second qos.Handler, since qos.Handler's
	// callback slots assume a single role and outbound completion here
	// just needs a packet-id -> waiter lookup, not retry/dedup logic.
	qosIn *qos.Handler

	writeMu sync.Mutex

	waitMu      sync.Mutex
	subWait     map[uint16]chan subWait
	unsWait     map[uint16]chan error
	pubAckWait  map[uint16]chan error
	pubCompWait map[uint16]chan error
	pingCh      chan struct{}

	onMessage   func(topic string, payload []byte, qos byte, retain bool)
	onClose     func(error)
	onReconnect func()

	reconnector *network.Reconnector
	password    string

	closed atomic.Bool
	doneCh chan struct{}
	log    *logger.SlogLogger
}

// Dial connects to an MQTT broker and completes the CONNECT/CONNACK
// handshake. The returned Client's read loop runs in its own goroutine
// until Close is called or the transport fails.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	opts.setDefaults()

	c := &Client{
		opts:        opts,
		subWait:     make(map[uint16]chan subWait),
		unsWait:     make(map[uint16]chan error),
		pubAckWait:  make(map[uint16]chan error),
		pubCompWait: make(map[uint16]chan error),
		pingCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		log:         opts.Log,
	}
	if opts.ReconnectOnClose {
		c.password = opts.Password
	}

	connectFn := func() (*network.Connection, error) {
		return c.dialOnce(ctx)
	}

	if opts.ReconnectOnClose {
		backoff := opts.Backoff
		if backoff == nil {
			backoff = network.DefaultBackoffConfig()
			backoff.MaxRetries = 0
		}
		rec, err := network.NewReconnector(ctx, &network.RecoveryConfig{
			BackoffConfig:  backoff,
			EnableRecovery: true,
		}, connectFn)
		if err != nil {
			return nil, err
		}
		c.reconnector = rec
		nc, err := rec.Connect()
		if err != nil {
			return nil, err
		}
		c.attach(nc)
	} else {
		nc, err := connectFn()
		if err != nil {
			return nil, err
		}
		c.attach(nc)
	}

	go c.readLoop()
	return c, nil
}

// dialOnce performs one connection attempt: transport dial, CONNECT,
// CONNACK. It is the connectFn passed to network.Reconnector when
// ReconnectOnClose is set, and is also used directly for a one-shot Dial.
func (c *Client) dialOnce(ctx context.Context) (*network.Connection, error) {
	var raw net.Conn
	var err error

	if c.opts.WebSocket {
		raw, err = DialWebSocket(ctx, c.opts.Address, c.opts.Compress)
	} else if c.opts.TLSConfig != nil {
		dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
		raw, err = tls.DialWithDialer(dialer, "tcp", c.opts.Address, c.opts.TLSConfig)
	} else {
		raw, err = net.DialTimeout("tcp", c.opts.Address, c.opts.ConnectTimeout)
	}
	if err != nil {
		return nil, err
	}

	nc := network.NewConnection(raw, c.opts.Address, &network.ConnectionConfig{
		ReadDeadline: c.opts.ConnectTimeout,
	})

	password := c.opts.Password
	if c.opts.ReconnectOnClose {
		password = c.password
	}
	connect := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    c.opts.CleanSession,
		KeepAlive:       uint16(c.opts.KeepAlive / time.Second),
		ClientID:        c.opts.ClientID,
		UsernameFlag:    c.opts.Username != "",
		Username:        c.opts.Username,
		PasswordFlag:    password != "",
		Password:        []byte(password),
	}
	if c.opts.Will != nil {
		connect.WillFlag = true
		connect.WillTopic = c.opts.Will.Topic
		connect.WillPayload = c.opts.Will.Payload
		connect.WillQoS = encoding.QoS(c.opts.Will.QoS)
		connect.WillRetain = c.opts.Will.Retain
	}

	if err := encodeAndWrite(nc, connect); err != nil {
		_ = nc.Close()
		return nil, err
	}

	reader := bufio.NewReaderSize(nc, 4096)
	fh, err := encoding.ParseFixedHeader(reader)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if fh.Type != encoding.CONNACK {
		_ = nc.Close()
		return nil, &ProtocolError{PacketType: fh.Type.String(), Err: ErrProtocolViolation}
	}
	raw2, err := encoding.ReadRemaining(reader, *fh)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	ack, err := encoding.DecodeConnackPacket311(encoding.NewRemainingReader(raw2), *fh)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if ack.ReturnCode != encoding.ConnectAccepted311 {
		_ = nc.Close()
		return nil, fmt.Errorf("broker: connect refused, return code %d", ack.ReturnCode)
	}

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	return nc, nil
}

// attach installs a freshly dialed connection and (re)binds the handler
// that tracks QoS2 publishes the BROKER sends to this client. Called both
// after the first Dial and after every successful reconnect.
func (c *Client) attach(nc *network.Connection) {
	c.mu.Lock()
	c.nc = nc
	h := qos.NewHandler(qos.DefaultConfig())
	c.qosIn = h
	c.mu.Unlock()

	// onPublish fires once per inbound QoS2 PUBLISH, before the PUBREC is
	// sent back; it delivers to the application exactly like the QoS0/1
	// paths in dispatch do, it's just funneled through qos.Handler here so
	// duplicate redelivery (DUP) is deduped.
	h.SetPublishCallback(func(msg *message.Message) error {
		c.deliver(msg)
		return nil
	})
	h.SetPubrecCallback(func(packetID uint16) error {
		return c.writePacket(&encoding.PubrecPacket311{PacketID: packetID})
	})
	h.SetPubcompCallback(func(packetID uint16) error {
		return c.writePacket(&encoding.PubcompPacket311{PacketID: packetID})
	})
}

func (c *Client) netConn() *network.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc
}

// OnMessage registers the handler invoked for every inbound PUBLISH, from
// the client's read goroutine.
func (c *Client) OnMessage(fn func(topic string, payload []byte, qos byte, retain bool)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose registers the handler invoked each time the connection ends, with
// the error that ended it (nil on a clean user-initiated Close).
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// OnReconnect registers the handler invoked after a reconnect succeeds.
// Only meaningful when ClientOptions.ReconnectOnClose is set.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// PublishSync publishes and blocks until the exchange completes (QoS 1/2)
// or the message has been handed to the transport (QoS 0), or ctx expires.
func (c *Client) PublishSync(ctx context.Context, topic string, payload []byte, qosLevel byte, retain bool) error {
	errCh := make(chan error, 1)
	c.PublishAsync(topic, payload, qosLevel, retain, func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync publishes without blocking the caller; cb fires on a
// separate goroutine once the publish is fully acknowledged (QoS 1/2), or
// in the caller's goroutine right after the write (QoS 0, or a failed
// write).
//
// QoS 1/2 completion is tracked with the client's own packet-id -> waiter
// maps rather than qos.Handler, since qos.Handler's single callback slot
// per handler is meant for one role (see qosIn on Client); reusing it here
// for outbound publishes would mean a reply to the broker's own inbound
// QoS2 exchange gets routed to whichever publish happened to register last.
func (c *Client) PublishAsync(topic string, payload []byte, qosLevel byte, retain bool, cb func(error)) {
	switch encoding.QoS(qosLevel) {
	case encoding.QoS0:
		err := c.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: retain},
			TopicName:   topic,
			Payload:     payload,
		})
		if cb != nil {
			cb(err)
		}
	case encoding.QoS1:
		packetID := c.allocatePacketID()
		ch := make(chan error, 1)
		c.waitMu.Lock()
		c.pubAckWait[packetID] = ch
		c.waitMu.Unlock()

		err := c.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS1, Retain: retain},
			TopicName:   topic,
			PacketID:    packetID,
			Payload:     payload,
		})
		if err != nil {
			c.waitMu.Lock()
			delete(c.pubAckWait, packetID)
			c.waitMu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}
		if cb != nil {
			go func() { cb(<-ch) }()
		}
	case encoding.QoS2:
		packetID := c.allocatePacketID()
		ch := make(chan error, 1)
		c.waitMu.Lock()
		c.pubCompWait[packetID] = ch
		c.waitMu.Unlock()

		err := c.writePacket(&encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS2, Retain: retain},
			TopicName:   topic,
			PacketID:    packetID,
			Payload:     payload,
		})
		if err != nil {
			c.waitMu.Lock()
			delete(c.pubCompWait, packetID)
			c.waitMu.Unlock()
			if cb != nil {
				cb(err)
			}
			return
		}
		if cb != nil {
			go func() { cb(<-ch) }()
		}
	}
}

// SubscribeSync subscribes and blocks for the SUBACK, returning the
// broker-granted QoS per filter (0x80 marks a rejected filter).
func (c *Client) SubscribeSync(ctx context.Context, filters []string, qosLevels []byte) ([]byte, error) {
	ch := make(chan subWait, 1)
	packetID, err := c.subscribe(filters, qosLevels, ch)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-ch:
		return result.suback.ReturnCodes, result.err
	case <-ctx.Done():
		c.waitMu.Lock()
		delete(c.subWait, packetID)
		c.waitMu.Unlock()
		return nil, ctx.Err()
	}
}

// SubscribeAsync subscribes without blocking; cb fires with the granted
// return codes once the SUBACK arrives.
func (c *Client) SubscribeAsync(filters []string, qosLevels []byte, cb func([]byte, error)) {
	ch := make(chan subWait, 1)
	if _, err := c.subscribe(filters, qosLevels, ch); err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return
	}
	go func() {
		result := <-ch
		if cb != nil {
			if result.err != nil {
				cb(nil, result.err)
				return
			}
			cb(result.suback.ReturnCodes, nil)
		}
	}()
}

func (c *Client) subscribe(filters []string, qosLevels []byte, ch chan subWait) (uint16, error) {
	packetID := c.allocatePacketID()
	subs := make([]encoding.Subscription311, len(filters))
	for i, f := range filters {
		ql := byte(0)
		if i < len(qosLevels) {
			ql = qosLevels[i]
		}
		subs[i] = encoding.Subscription311{TopicFilter: f, QoS: encoding.QoS(ql)}
	}

	c.waitMu.Lock()
	c.subWait[packetID] = ch
	c.waitMu.Unlock()

	err := c.writePacket(&encoding.SubscribePacket311{PacketID: packetID, Subscriptions: subs})
	if err != nil {
		c.waitMu.Lock()
		delete(c.subWait, packetID)
		c.waitMu.Unlock()
		return 0, err
	}
	return packetID, nil
}

// UnsubscribeSync unsubscribes and blocks for the UNSUBACK.
func (c *Client) UnsubscribeSync(ctx context.Context, filters []string) error {
	ch := make(chan error, 1)
	packetID, err := c.unsubscribe(filters, ch)
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.waitMu.Lock()
		delete(c.unsWait, packetID)
		c.waitMu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) unsubscribe(filters []string, ch chan error) (uint16, error) {
	packetID := c.allocatePacketID()

	c.waitMu.Lock()
	c.unsWait[packetID] = ch
	c.waitMu.Unlock()

	err := c.writePacket(&encoding.UnsubscribePacket311{PacketID: packetID, TopicFilters: filters})
	if err != nil {
		c.waitMu.Lock()
		delete(c.unsWait, packetID)
		c.waitMu.Unlock()
		return 0, err
	}
	return packetID, nil
}

// Ping sends a PINGREQ and blocks until PINGRESP arrives or ctx expires.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.writeRaw(encoding.PINGREQ); err != nil {
		return err
	}
	select {
	case <-c.pingCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return ErrTransportClosed
	}
}

var packetIDCounter atomic.Uint32

func (c *Client) allocatePacketID() uint16 {
	for {
		id := uint16(packetIDCounter.Add(1))
		if id != 0 {
			return id
		}
	}
}

// Close sends DISCONNECT and tears down the transport. Safe to call more
// than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.writeRaw(encoding.DISCONNECT)
	if c.reconnector != nil {
		c.reconnector.Close()
	}
	c.mu.RLock()
	qosIn := c.qosIn
	c.mu.RUnlock()
	if qosIn != nil {
		_ = qosIn.Close()
	}
	close(c.doneCh)
	nc := c.netConn()
	if nc != nil {
		return nc.Close()
	}
	return nil
}

// readLoop owns the client's socket for reads: it decodes one packet at a
// time and dispatches it, mirroring the broker-side serve loop but without
// a worker pool, since a client has exactly one connection to service.
func (c *Client) readLoop() {
	for {
		c.mu.RLock()
		reader := c.reader
		c.mu.RUnlock()

		fh, err := encoding.ParseFixedHeader(reader)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		raw, err := encoding.ReadRemaining(reader, *fh)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		if err := c.dispatch(*fh, raw); err != nil {
			c.handleDisconnect(err)
			return
		}
	}
}

func (c *Client) dispatch(fh encoding.FixedHeader, raw []byte) error {
	r := encoding.NewRemainingReader(raw)

	switch fh.Type {
	case encoding.PUBLISH:
		p, err := encoding.DecodePublishPacket311(r, fh)
		if err != nil {
			return err
		}
		msg := message.NewMessage(p.PacketID, p.TopicName, p.Payload, fh.QoS, fh.Retain, nil)
		switch fh.QoS {
		case encoding.QoS0:
			c.deliver(msg)
			return nil
		case encoding.QoS1:
			c.deliver(msg)
			return c.writePacket(&encoding.PubackPacket311{PacketID: p.PacketID})
		default:
			c.mu.RLock()
			qosIn := c.qosIn
			c.mu.RUnlock()
			return qosIn.HandlePublish(msg)
		}
	case encoding.PUBACK:
		p, err := encoding.DecodePubackPacket311(r, fh)
		if err != nil {
			return err
		}
		c.waitMu.Lock()
		ch, ok := c.pubAckWait[p.PacketID]
		delete(c.pubAckWait, p.PacketID)
		c.waitMu.Unlock()
		if ok {
			ch <- nil
		}
		return nil
	case encoding.PUBREC:
		// PUBREC always answers a QoS2 publish THIS client originated, so
		// the reply is simply to send PUBREL back; completion is only
		// signaled once the matching PUBCOMP arrives.
		p, err := encoding.DecodePubrecPacket311(r, fh)
		if err != nil {
			return err
		}
		return c.writePacket(&encoding.PubrelPacket311{PacketID: p.PacketID})
	case encoding.PUBREL:
		p, err := encoding.DecodePubrelPacket311(r, fh)
		if err != nil {
			return err
		}
		c.mu.RLock()
		qosIn := c.qosIn
		c.mu.RUnlock()
		return qosIn.HandlePubrel(p.PacketID)
	case encoding.PUBCOMP:
		p, err := encoding.DecodePubcompPacket311(r, fh)
		if err != nil {
			return err
		}
		c.waitMu.Lock()
		ch, ok := c.pubCompWait[p.PacketID]
		delete(c.pubCompWait, p.PacketID)
		c.waitMu.Unlock()
		if ok {
			ch <- nil
		}
		return nil
	case encoding.SUBACK:
		p, err := encoding.DecodeSubackPacket311(r, fh)
		if err != nil {
			return err
		}
		c.waitMu.Lock()
		ch, ok := c.subWait[p.PacketID]
		delete(c.subWait, p.PacketID)
		c.waitMu.Unlock()
		if ok {
			ch <- subWait{suback: p}
		}
		return nil
	case encoding.UNSUBACK:
		p, err := encoding.DecodeUnsubackPacket311(r, fh)
		if err != nil {
			return err
		}
		c.waitMu.Lock()
		ch, ok := c.unsWait[p.PacketID]
		delete(c.unsWait, p.PacketID)
		c.waitMu.Unlock()
		if ok {
			ch <- nil
		}
		return nil
	case encoding.PINGRESP:
		select {
		case c.pingCh <- struct{}{}:
		default:
		}
		return nil
	default:
		return &ProtocolError{PacketType: fh.Type.String(), Err: ErrProtocolViolation}
	}
}

func (c *Client) deliver(msg *message.Message) {
	c.mu.RLock()
	fn := c.onMessage
	c.mu.RUnlock()
	if fn != nil {
		fn(msg.Topic, msg.Payload, byte(msg.QoS), msg.Retain)
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.RLock()
	onClose := c.onClose
	c.mu.RUnlock()
	if c.closed.Load() {
		err = nil
	}
	if onClose != nil {
		onClose(err)
	}

	if c.closed.Load() || c.reconnector == nil {
		return
	}

	nc, rerr := c.reconnector.Connect()
	if rerr != nil {
		c.log.Warn("client reconnect failed", "error", rerr)
		return
	}
	c.attach(nc)
	go c.readLoop()

	c.mu.RLock()
	onReconnect := c.onReconnect
	c.mu.RUnlock()
	if onReconnect != nil {
		onReconnect()
	}
}

type encodablePacket interface {
	Encode(w io.Writer) error
}

// encodeAndWrite serializes an encodable packet and writes it to w in one
// shot, so a partial write never interleaves with another goroutine's.
func encodeAndWrite(w io.Writer, p encodablePacket) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// writeRawTo writes a zero-length-payload packet (PINGREQ, DISCONNECT).
func writeRawTo(w io.Writer, t encoding.PacketType) error {
	fh := encoding.FixedHeader{Type: t}
	var buf bytes.Buffer
	if err := fh.EncodeFixedHeader311(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// writePacket serializes an encodable packet and writes it to the current
// connection, serialized by writeMu so concurrent publishers on the same
// client don't interleave their wire bytes.
func (c *Client) writePacket(p encodablePacket) error {
	nc := c.netConn()
	if nc == nil {
		return ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return encodeAndWrite(nc, p)
}

func (c *Client) writeRaw(t encoding.PacketType) error {
	nc := c.netConn()
	if nc == nil {
		return ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeRawTo(nc, t)
}
