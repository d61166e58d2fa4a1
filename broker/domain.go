package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
)

// Domain is one isolated tenant inside a Broker: its own subscription
// trie, client-id index, session store and hook chain. A Conn is bound to
// exactly one Domain for its whole life; nothing about routing, retained
// messages or session state crosses a Domain boundary.
//
// The spec's "Context" is realized here rather than as a separate type:
// a Broker owns a set of Domains and everything a Context does (connection
// admission, subscription routing, storage) is scoped per Domain.
type Domain struct {
	name     string
	settings *DomainSettings
	hooks    *hook.Manager
	log      *logger.SlogLogger

	router   *topic.Router
	sessions *session.Manager
	storage  *Storage

	connMu sync.RWMutex
	conns  map[string]*Conn // clientID -> active Conn, exactly one entry per connected client-id

	metrics *Metrics

	activatedAt time.Time
}

// NewDomain builds a Domain from its settings and a ready Storage. hooks
// may be nil, in which case an empty Manager is created so callers never
// need a nil check.
func NewDomain(settings *DomainSettings, storage *Storage, sessions *session.Manager, hooks *hook.Manager, log *logger.SlogLogger) *Domain {
	if hooks == nil {
		hooks = hook.NewManager()
	}
	d := &Domain{
		name:        settings.Name,
		settings:    settings,
		hooks:       hooks,
		log:         log.With("domain", settings.Name),
		router:      topic.NewRouter(),
		sessions:    sessions,
		storage:     storage,
		conns:       make(map[string]*Conn),
		activatedAt: time.Now(),
	}
	return d
}

// admitConnection enforces the domain's conn_limit before a newly accepted
// socket is allowed to proceed to CONNECT processing. ConnLimit caps the
// number of concurrently live connections, not the rate of new ones, so
// admission is a straight count of d.conns against the limit rather than a
// replenishing budget — a slow trickle of connects must not be able to
// exceed the cap just because time has passed.
func (d *Domain) admitConnection() bool {
	if d.settings.ConnLimit <= 0 {
		return true
	}
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return len(d.conns) < d.settings.ConnLimit
}

// register installs c as the active connection for its client-id. The
// caller has already resolved any same-client-id collision: if
// dropConnSameClientID is false (MQTT default), the new CONNECT was
// rejected before register is reached; if true, the existing connection
// was closed and its session hand off to the new one before this call.
func (d *Domain) register(c *Conn) (previous *Conn) {
	d.connMu.Lock()
	previous = d.conns[c.clientID]
	d.conns[c.clientID] = c
	d.connMu.Unlock()
	return previous
}

func (d *Domain) unregister(c *Conn) {
	d.connMu.Lock()
	if d.conns[c.clientID] == c {
		delete(d.conns, c.clientID)
	}
	d.connMu.Unlock()
}

// containsString reports whether list holds s, used for settings.go's
// RestrictClientIDs allowlist.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// lookup returns the currently connected Conn for a client-id, if any. A
// miss means the client-id is either unknown or offline, which callers use
// to decide between live delivery and persisting to the offline queue.
func (d *Domain) lookup(clientID string) (*Conn, bool) {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	c, ok := d.conns[clientID]
	return c, ok
}

// Close tears down every live connection in the domain and releases its
// storage and session manager. Used by Broker.Stop and by tests that want
// a single domain in isolation.
func (d *Domain) Close(ctx context.Context) error {
	d.connMu.Lock()
	conns := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.connMu.Unlock()

	for _, c := range conns {
		_ = c.close(ErrBrokerClosed)
	}

	if err := d.sessions.Close(); err != nil {
		return err
	}
	return d.storage.Close()
}
