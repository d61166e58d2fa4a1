package broker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/types/message"
)

// Config carries the process-wide knobs a Broker applies regardless of
// which domain a connection lands in: the shared worker pool sizing, the
// global connection ceiling and the CONNECT handshake timeout.
type Config struct {
	// WorkerPoolSize is the pool's starting (and floor) goroutine count.
	WorkerPoolSize   int
	WorkerQueueDepth int

	// WorkerPoolMaxSize caps how far the pool may grow under sustained
	// backlog. Zero/below WorkerPoolSize disables growth entirely.
	WorkerPoolMaxSize int

	// WorkerPoolStepAdd is how many workers are added at a time when the
	// queue is still backlogged at the end of a WorkerPoolStepPeriod tick.
	WorkerPoolStepAdd int

	// WorkerPoolStepPeriod is how often the pool checks the queue depth to
	// decide whether to grow.
	WorkerPoolStepPeriod time.Duration

	// WorkerPoolIdleTimeout is how long a worker added past WorkerPoolSize
	// may sit without a job before it exits on its own.
	WorkerPoolIdleTimeout time.Duration

	// GlobalConnLimit caps concurrent connections across every domain.
	// Zero means unlimited.
	GlobalConnLimit int

	// ConnectTimeout bounds how long an accepted socket has to complete
	// its CONNECT handshake before the broker closes it.
	ConnectTimeout time.Duration

	// Metrics, when set, receives connection/message/subscription counts
	// from every domain. Nil disables instrumentation.
	Metrics *Metrics

	Log *logger.SlogLogger
}

func (c *Config) setDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 64
	}
	if c.WorkerQueueDepth <= 0 {
		c.WorkerQueueDepth = 1024
	}
	if c.WorkerPoolMaxSize < c.WorkerPoolSize {
		c.WorkerPoolMaxSize = c.WorkerPoolSize
	}
	if c.WorkerPoolStepAdd <= 0 {
		c.WorkerPoolStepAdd = c.WorkerPoolSize
	}
	if c.WorkerPoolStepPeriod <= 0 {
		c.WorkerPoolStepPeriod = time.Second
	}
	if c.WorkerPoolIdleTimeout <= 0 {
		c.WorkerPoolIdleTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Log == nil {
		c.Log = logger.NewSlogLogger(0, nil)
	}
}

// domainConfig is everything RegisterDomain needs to lazily activate a
// Domain: its settings, storage backend choice and the hooks it runs.
// Anonymous marks it as the tenant a connection falls into when §4.9's
// domain-selection steps all miss.
type domainConfig struct {
	settings  *DomainSettings
	storage   StorageConfig
	hooks     *hook.Manager
	anonymous bool
}

// Broker owns every Domain in a process, the listeners accepting sockets
// for them, and the worker pool shared across all of them. It realizes the
// multi-tenant selection and lazy-activation model: domains are registered
// up front (settings + storage + hooks) but their router, session manager
// and storage handles are only constructed on the first connection that
// resolves to them.
type Broker struct {
	cfg Config
	log *logger.SlogLogger
	wp  *workerPool

	mu       sync.RWMutex
	configs  map[string]*domainConfig
	domains  map[string]*Domain
	anonName string

	listenersMu sync.Mutex
	listeners   []*network.Listener

	globalConns atomic.Int64

	closeOnce sync.Once
}

// NewBroker builds a Broker ready to accept RegisterDomain calls and then
// Listen calls. It does not itself open any sockets.
func NewBroker(cfg Config) *Broker {
	cfg.setDefaults()
	return &Broker{
		cfg: cfg,
		log: cfg.Log,
		wp: newWorkerPool(poolConfig{
			baseSize:    cfg.WorkerPoolSize,
			maxSize:     cfg.WorkerPoolMaxSize,
			queueDepth:  cfg.WorkerQueueDepth,
			stepAdd:     cfg.WorkerPoolStepAdd,
			stepPeriod:  cfg.WorkerPoolStepPeriod,
			idleTimeout: cfg.WorkerPoolIdleTimeout,
		}, cfg.Log, cfg.Metrics),
		configs: make(map[string]*domainConfig),
		domains: make(map[string]*Domain),
	}
}

// RegisterDomain declares a tenant the broker can route connections into.
// settings.Name is the domain's identity for SNI/suffix/anonymous matching.
// If anonymous is true, this domain is the fallback used when no other
// selection rule in §4.9 matches.
func (b *Broker) RegisterDomain(settings *DomainSettings, storage StorageConfig, hooks []hook.Hook, anonymous bool) error {
	mgr := hook.NewManager()
	for _, h := range hooks {
		if err := mgr.Add(h); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[settings.Name] = &domainConfig{settings: settings, storage: storage, hooks: mgr, anonymous: anonymous}
	if anonymous {
		b.anonName = settings.Name
	}
	return nil
}

// Listen opens a TCP (optionally TLS) listener and wires it to the
// broker's connection-accept path. The returned Listener has already been
// started; the broker tracks it so Stop closes it along with every domain.
func (b *Broker) Listen(lc *network.ListenerConfig) (*network.Listener, error) {
	l, err := network.NewListener(lc, nil)
	if err != nil {
		return nil, err
	}
	l.OnConnection(b.handleAccept)
	if err := l.Start(); err != nil {
		return nil, err
	}

	b.listenersMu.Lock()
	b.listeners = append(b.listeners, l)
	b.listenersMu.Unlock()
	return l, nil
}

// Stop closes every listener, drains the worker pool and tears down every
// activated domain (which in turn closes its live connections and storage).
func (b *Broker) Stop(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.listenersMu.Lock()
		for _, l := range b.listeners {
			_ = l.Close()
		}
		b.listenersMu.Unlock()

		b.wp.close()

		b.mu.RLock()
		domains := make([]*Domain, 0, len(b.domains))
		for _, d := range b.domains {
			domains = append(domains, d)
		}
		b.mu.RUnlock()

		for _, d := range domains {
			if cerr := d.Close(ctx); cerr != nil {
				err = cerr
			}
		}
	})
	return err
}

// activateDomain returns the already-activated Domain for name, or builds
// one from its registered domainConfig on first use.
func (b *Broker) activateDomain(name string) (*Domain, error) {
	b.mu.RLock()
	if d, ok := b.domains[name]; ok {
		b.mu.RUnlock()
		return d, nil
	}
	cfg, ok := b.configs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrDomainNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.domains[name]; ok {
		return d, nil
	}

	storage, sessionStore, err := NewStorage(cfg.storage, b.log)
	if err != nil {
		return nil, err
	}

	wp := &domainWillPublisher{}
	sessions := session.NewManager(session.ManagerConfig{
		Store:         sessionStore,
		WillPublisher: wp,
	})
	storage.bindSessions(sessions)

	d := NewDomain(cfg.settings, storage, sessions, cfg.hooks, b.log)
	d.metrics = b.cfg.Metrics
	wp.domain = d

	b.domains[name] = d
	return d, nil
}

// domainWillPublisher breaks the construction cycle between session.Manager
// (which needs a WillPublisher at NewManager time) and Domain (which needs
// a fully-built session.Manager at NewDomain time): it is constructed
// first with a nil domain and back-filled once NewDomain returns.
type domainWillPublisher struct {
	domain *Domain
}

func (p *domainWillPublisher) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	if p.domain == nil || will == nil {
		return nil
	}
	d := p.domain

	hookWill := d.hooks.OnWill(nil, &hook.WillMessage{
		Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain, Properties: will.Properties,
	})

	msg := message.NewMessage(0, hookWill.Topic, hookWill.Payload, encoding.QoS(hookWill.QoS), hookWill.Retain, hookWill.Properties)
	if msg.Retain {
		if len(msg.Payload) == 0 {
			_ = d.storage.RetainRelease(ctx, msg.Topic)
		} else {
			_ = d.storage.RetainSet(ctx, msg.Topic, msg)
		}
	}
	d.dispatchPublish(ctx, clientID, msg)
	d.hooks.OnWillSent(nil, hookWill)
	return nil
}

// handleAccept is the network.ConnectionHandler the broker registers on
// every listener. It runs on the dedicated per-connection goroutine the
// listener's accept loop already spawned, so once the CONNECT handshake
// resolves a domain it simply calls Domain.serve inline and blocks for the
// connection's whole life rather than spawning a second goroutine.
func (b *Broker) handleAccept(nc *network.Connection) error {
	if b.cfg.GlobalConnLimit > 0 && b.globalConns.Load() >= int64(b.cfg.GlobalConnLimit) {
		return ErrResourceExhausted
	}

	var timer *time.Timer
	if b.cfg.ConnectTimeout > 0 {
		timer = time.AfterFunc(b.cfg.ConnectTimeout, func() { _ = nc.Close() })
	}

	reader := bufio.NewReaderSize(nc, 4096)
	fh, err := encoding.ParseFixedHeader(reader)
	if err != nil {
		return err
	}
	if fh.Type != encoding.CONNECT {
		return &ProtocolError{PacketType: fh.Type.String(), Err: ErrProtocolViolation}
	}
	raw, err := encoding.ReadRemaining(reader, *fh)
	if err != nil {
		return err
	}
	p, err := encoding.DecodeConnectPacket311(encoding.NewRemainingReader(raw), *fh)
	if err != nil {
		return &ProtocolError{PacketType: "CONNECT", Err: err}
	}
	if p.ProtocolVersion != encoding.ProtocolVersion30 && p.ProtocolVersion != encoding.ProtocolVersion311 {
		_ = writeConnack(nc, encoding.ConnectRefusedUnacceptableProtocol311, false)
		return ErrUnsupportedVersion
	}

	domainName, ok := b.selectDomain(nc, p)
	if !ok {
		_ = writeConnack(nc, encoding.ConnectRefusedNotAuthorized311, false)
		return ErrDomainNotFound
	}

	d, err := b.activateDomain(domainName)
	if err != nil {
		_ = writeConnack(nc, encoding.ConnectRefusedServerUnavailable311, false)
		return err
	}

	if !d.admitConnection() {
		_ = writeConnack(nc, encoding.ConnectRefusedServerUnavailable311, false)
		return &ResourceError{Domain: d.name, Limit: "conn_limit", Err: ErrResourceExhausted}
	}

	c := newConn(d, nc, reader)

	code, sessionPresent, err := b.establish(d, c, p)
	if code != encoding.ConnectAccepted311 {
		_ = writeConnack(nc, code, false)
		_ = c.close(err)
		return err
	}
	if werr := writeConnack(nc, code, sessionPresent); werr != nil {
		_ = c.close(werr)
		return werr
	}
	if timer != nil {
		timer.Stop()
	}

	b.globalConns.Add(1)
	defer b.globalConns.Add(-1)
	d.metrics.connected()
	defer d.metrics.disconnected()

	d.serve(c, b.wp)
	return nil
}

// selectDomain implements the tenant-resolution order: SNI/Host exact
// match, then client_id@domain or username@domain suffix, then an
// auth-backend probe across every registered domain, then the configured
// anonymous fallback.
func (b *Broker) selectDomain(nc *network.Connection, p *encoding.ConnectPacket311) (string, bool) {
	if state, ok := nc.TLSConnectionState(); ok && state.ServerName != "" {
		if b.hasDomain(state.ServerName) {
			return state.ServerName, true
		}
	}
	if host, ok := nc.GetMetadata("ws_host"); ok {
		if name, _ := host.(string); name != "" && b.hasDomain(name) {
			return name, true
		}
	}
	if name, ok := domainSuffix(p.ClientID); ok && b.hasDomain(name) {
		return name, true
	}
	if name, ok := domainSuffix(p.Username); ok && b.hasDomain(name) {
		return name, true
	}
	if name, ok := b.probeAuth(p); ok {
		return name, true
	}
	if b.anonName != "" {
		return b.anonName, true
	}
	return "", false
}

func domainSuffix(s string) (string, bool) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 || i == len(s)-1 {
		return "", false
	}
	return s[i+1:], true
}

func (b *Broker) hasDomain(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.configs[name]
	return ok
}

// probeAuth asks every registered domain's auth hooks whether they
// recognize this CONNECT's credentials, in map iteration order; the first
// domain to accept wins. This only needs each domain's hook.Manager, which
// RegisterDomain builds eagerly, so it doesn't force activation.
func (b *Broker) probeAuth(p *encoding.ConnectPacket311) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hc := &hook.Client{Username: p.Username}
	hp := &hook.ConnectPacket{ClientID: p.ClientID, Username: p.Username, Password: p.Password}
	for name, cfg := range b.configs {
		if cfg.anonymous {
			continue
		}
		if cfg.hooks.OnConnectAuthenticate(hc, hp) {
			return name, true
		}
	}
	return "", false
}

// establish runs the CONNECT handshake against an already-selected,
// already-admitted domain: authentication, client-id assignment/takeover,
// session creation, will registration and keep-alive setup. It returns the
// CONNACK return code to send; on anything but ConnectAccepted311 the
// caller must not proceed to Domain.serve.
func (b *Broker) establish(d *Domain, c *Conn, p *encoding.ConnectPacket311) (byte, bool, error) {
	ctx := context.Background()

	clientID := p.ClientID
	if clientID == "" {
		if !p.CleanSession {
			return encoding.ConnectRefusedIdentifierRejected311, false, ErrProtocolViolation
		}
		generated, err := d.sessions.GenerateClientID(ctx)
		if err != nil {
			return encoding.ConnectRefusedServerUnavailable311, false, err
		}
		clientID = generated
	}

	hookClient := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.net.RemoteAddr(),
		LocalAddr:       c.net.LocalAddr(),
		Username:        p.Username,
		CleanStart:      p.CleanSession,
		ProtocolVersion: byte(p.ProtocolVersion),
		KeepAlive:       p.KeepAlive,
		ConnectedAt:     time.Now(),
		State:           hook.ClientStateConnecting,
	}
	hookConnect := &hook.ConnectPacket{
		ClientID:     clientID,
		CleanStart:   p.CleanSession,
		KeepAlive:    p.KeepAlive,
		Username:     p.Username,
		Password:     p.Password,
	}

	if !p.UsernameFlag && (!d.settings.AnonymousAllowed || d.settings.RequireAuth) {
		return encoding.ConnectRefusedNotAuthorized311, false, ErrNotAuthorized
	}
	if len(d.settings.RestrictClientIDs) > 0 && !containsString(d.settings.RestrictClientIDs, clientID) {
		return encoding.ConnectRefusedIdentifierRejected311, false, ErrNotAuthorized
	}
	if !d.hooks.OnConnectAuthenticate(hookClient, hookConnect) {
		return encoding.ConnectRefusedBadUsernamePassword311, false, ErrNotAuthorized
	}

	if existing, ok := d.lookup(clientID); ok {
		if !d.settings.DropConnSameClientID {
			return encoding.ConnectRefusedIdentifierRejected311, false, ErrDuplicateClientID
		}
		_ = existing.close(ErrDuplicateClientID)
		_ = d.sessions.TakeoverSession(ctx, clientID)
	}

	sess, sessionPresent, err := d.sessions.CreateSession(ctx, clientID, p.CleanSession, 0, byte(p.ProtocolVersion))
	if err != nil {
		return encoding.ConnectRefusedServerUnavailable311, false, err
	}
	sess.SetActive()

	if p.WillFlag {
		will := &session.WillMessage{
			Topic:   p.WillTopic,
			Payload: p.WillPayload,
			QoS:     byte(p.WillQoS),
			Retain:  p.WillRetain,
		}
		out := d.hooks.OnWill(hookClient, &hook.WillMessage{
			Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain,
		})
		sess.SetWillMessage(will, out.WillDelayInterval)
	}

	keepAlive := p.KeepAlive
	if d.settings.MaxKeepAlive > 0 {
		max := uint16(d.settings.MaxKeepAlive / time.Second)
		if keepAlive == 0 || keepAlive > max {
			keepAlive = max
		}
	}

	c.clientID = clientID
	c.cleanStart = p.CleanSession
	c.protocolVer = byte(p.ProtocolVersion)
	c.keepAlive = time.Duration(keepAlive) * time.Second
	c.connectedAt = time.Now()
	c.session = sess
	c.client = hookClient

	qosCfg := qos.DefaultConfig()
	if d.settings.MaxInflight > 0 {
		qosCfg.MaxInflight = uint16(d.settings.MaxInflight)
	}
	c.qos = qos.NewHandler(qosCfg)
	bindQoS(c, c.qos)
	c.qosIn = qos.NewHandler(qosCfg)
	bindQoSIn(d, c, c.qosIn)

	if c.keepAlive > 0 {
		c.ka = network.NewKeepAlive(c.net, &network.KeepAliveConfig{
			Interval:    c.keepAlive,
			Timeout:     c.keepAlive / 2,
			MaxRetries:  1,
			PingHandler: func(*network.Connection) error { return nil },
		})
		c.ka.Start()
	}

	if err := d.hooks.OnConnect(hookClient, hookConnect); err != nil {
		return encoding.ConnectRefusedServerUnavailable311, false, err
	}

	if prev := d.register(c); prev != nil && prev != c {
		_ = prev.close(ErrDuplicateClientID)
	}

	hookClient.State = hook.ClientStateConnected
	hookClient.SessionPresent = sessionPresent
	c.setState(connStateEstablished)

	_ = d.hooks.OnSessionEstablished(hookClient, hookConnect)

	d.flushOffline(ctx, c)

	return encoding.ConnectAccepted311, sessionPresent, nil
}

func writeConnack(w io.Writer, code byte, sessionPresent bool) error {
	var buf bytes.Buffer
	p := &encoding.ConnackPacket311{SessionPresent: sessionPresent, ReturnCode: code}
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
