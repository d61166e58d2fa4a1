package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

func testMessage(t *testing.T, topic string, payload []byte, qos encoding.QoS) *message.Message {
	t.Helper()
	return message.NewMessage(1, topic, payload, qos, false, nil)
}

// newTestDomain builds a Domain the same way Broker.activateDomain does,
// without going through a listener, so a test can drive dispatchPublish and
// flushOffline directly against a real in-memory Storage.
func newTestDomain(t *testing.T, settings *DomainSettings) *Domain {
	t.Helper()
	storage, sessionStore, err := NewStorage(StorageConfig{Backend: StorageBackendMemory}, noopLogger())
	require.NoError(t, err)

	sessions := session.NewManager(session.ManagerConfig{Store: sessionStore})
	storage.bindSessions(sessions)

	d := NewDomain(settings, storage, sessions, hook.NewManager(), noopLogger())
	return d
}

// newPipeConn wires a Conn to one end of an in-memory net.Pipe, with the
// session/QoS bindings establish() would normally set up, so handler code
// under test can write to it exactly as it would a real socket. The other
// end of the pipe is returned for the test to read the bytes the Conn wrote.
func newPipeConn(t *testing.T, d *Domain, clientID string) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()

	nc := network.NewConnection(server, clientID, &network.ConnectionConfig{})
	c := newConn(d, nc, nil)
	c.clientID = clientID

	sess, _, err := d.sessions.CreateSession(context.Background(), clientID, false, 0, byte(encoding.ProtocolVersion311))
	require.NoError(t, err)
	sess.SetActive()
	c.session = sess

	c.qos = qos.NewHandler(qos.DefaultConfig())
	bindQoS(c, c.qos)
	c.qosIn = qos.NewHandler(qos.DefaultConfig())
	bindQoSIn(d, c, c.qosIn)

	c.setState(connStateEstablished)
	return c, client
}

func readPublish(t *testing.T, conn net.Conn) *encoding.PublishPacket311 {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fh, err := encoding.ParseFixedHeader(conn)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBLISH, fh.Type)
	raw, err := encoding.ReadRemaining(conn, *fh)
	require.NoError(t, err)
	p, err := encoding.DecodePublishPacket311(encoding.NewRemainingReader(raw), *fh)
	require.NoError(t, err)
	return p
}

// Scenario: offline session. A publish to a subscribed-but-disconnected
// client-id is queued in storage; once that client-id is (re)established as
// a live Conn, flushOffline delivers the queued message and releases it.
func TestOfflineSessionQueuesThenFlushesOnReconnect(t *testing.T) {
	settings := DefaultDomainSettings("offline")
	d := newTestDomain(t, settings)

	require.NoError(t, d.router.Subscribe(&topic.Subscription{
		ClientID:    "offline-client",
		TopicFilter: "offline/chan",
		QoS:         1,
	}))

	ctx := context.Background()
	msg := testMessage(t, "offline/chan", []byte("queued-while-offline"), encoding.QoS1)
	d.dispatchPublish(ctx, "publisher", msg)

	queued, err := d.storage.QueuedMessages(ctx, "offline-client")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "offline/chan", queued[0].Topic)
	assert.Equal(t, []byte("queued-while-offline"), queued[0].Payload)

	c, clientEnd := newPipeConn(t, d, "offline-client")
	defer c.close(nil)
	defer clientEnd.Close()

	d.flushOffline(ctx, c)

	delivered := readPublish(t, clientEnd)
	assert.Equal(t, "offline/chan", delivered.TopicName)
	assert.Equal(t, []byte("queued-while-offline"), delivered.Payload)
	assert.True(t, delivered.FixedHeader.DUP, "a flushed offline message must be marked DUP")

	queued, err = d.storage.QueuedMessages(ctx, "offline-client")
	require.NoError(t, err)
	assert.Empty(t, queued, "flushOffline must release the message from storage once handed off")
}

// Scenario: a QoS0 publish to an offline client-id is dropped, never queued
// (QoS0 carries no delivery guarantee once the subscriber isn't connected).
func TestOfflineSessionDropsQoS0(t *testing.T) {
	settings := DefaultDomainSettings("offline-qos0")
	d := newTestDomain(t, settings)

	require.NoError(t, d.router.Subscribe(&topic.Subscription{
		ClientID:    "offline-client",
		TopicFilter: "offline/chan",
		QoS:         0,
	}))

	ctx := context.Background()
	msg := testMessage(t, "offline/chan", []byte("lost"), encoding.QoS0)
	d.dispatchPublish(ctx, "publisher", msg)

	queued, err := d.storage.QueuedMessages(ctx, "offline-client")
	require.NoError(t, err)
	assert.Empty(t, queued)
}
