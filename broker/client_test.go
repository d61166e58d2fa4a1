package broker

import (
	"bytes"
	"testing"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/types/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientOptionsSetDefaults(t *testing.T) {
	var o ClientOptions
	o.setDefaults()
	assert.Equal(t, 60*time.Second, o.KeepAlive)
	assert.Equal(t, 10*time.Second, o.ConnectTimeout)
	require.NotNil(t, o.Log)

	o2 := ClientOptions{KeepAlive: 5 * time.Second, ConnectTimeout: 2 * time.Second}
	o2.setDefaults()
	assert.Equal(t, 5*time.Second, o2.KeepAlive)
	assert.Equal(t, 2*time.Second, o2.ConnectTimeout)
}

func TestAllocatePacketIDNeverZero(t *testing.T) {
	c := &Client{}
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		id := c.allocatePacketID()
		require.NotZero(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, 1000, "packet ids should be unique across allocations")
}

func TestEncodeAndWriteRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	puback := &encoding.PubackPacket311{PacketID: 42}
	require.NoError(t, encodeAndWrite(&buf, puback))

	fh, err := encoding.ParseFixedHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, encoding.PUBACK, fh.Type)

	raw, err := encoding.ReadRemaining(&buf, *fh)
	require.NoError(t, err)
	decoded, err := encoding.DecodePubackPacket311(encoding.NewRemainingReader(raw), *fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), decoded.PacketID)
}

func TestWriteRawToEncodesZeroLengthPacket(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRawTo(&buf, encoding.PINGREQ))

	fh, err := encoding.ParseFixedHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, encoding.PINGREQ, fh.Type)
	assert.Zero(t, fh.RemainingLength)
}

// dispatch's SUBACK/UNSUBACK/PUBACK/PUBCOMP/PINGRESP branches only touch
// the client's own wait maps and channels, so they can be exercised
// without a live connection.
func newTestClient() *Client {
	return &Client{
		subWait:     make(map[uint16]chan subWait),
		unsWait:     make(map[uint16]chan error),
		pubAckWait:  make(map[uint16]chan error),
		pubCompWait: make(map[uint16]chan error),
		pingCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
}

func encodeToFrame(t *testing.T, p encodablePacket) (encoding.FixedHeader, []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, p.Encode(&buf))
	fh, err := encoding.ParseFixedHeader(&buf)
	require.NoError(t, err)
	raw, err := encoding.ReadRemaining(&buf, *fh)
	require.NoError(t, err)
	return *fh, raw
}

func TestDispatchPubackSignalsWaiter(t *testing.T) {
	c := newTestClient()
	ch := make(chan error, 1)
	c.pubAckWait[7] = ch

	fh, raw := encodeToFrame(t, &encoding.PubackPacket311{PacketID: 7})
	require.NoError(t, c.dispatch(fh, raw))

	select {
	case err := <-ch:
		assert.NoError(t, err)
	default:
		t.Fatal("expected puback waiter to be signaled")
	}
	_, stillPresent := c.pubAckWait[7]
	assert.False(t, stillPresent)
}

func TestDispatchPubcompSignalsWaiter(t *testing.T) {
	c := newTestClient()
	ch := make(chan error, 1)
	c.pubCompWait[9] = ch

	fh, raw := encodeToFrame(t, &encoding.PubcompPacket311{PacketID: 9})
	require.NoError(t, c.dispatch(fh, raw))

	select {
	case err := <-ch:
		assert.NoError(t, err)
	default:
		t.Fatal("expected pubcomp waiter to be signaled")
	}
}

func TestDispatchSubackSignalsWaiter(t *testing.T) {
	c := newTestClient()
	ch := make(chan subWait, 1)
	c.subWait[3] = ch

	fh, raw := encodeToFrame(t, &encoding.SubackPacket311{PacketID: 3, ReturnCodes: []byte{0, 1, 0x80}})
	require.NoError(t, c.dispatch(fh, raw))

	select {
	case result := <-ch:
		require.NoError(t, result.err)
		assert.Equal(t, []byte{0, 1, 0x80}, result.suback.ReturnCodes)
	default:
		t.Fatal("expected suback waiter to be signaled")
	}
}

func TestDispatchUnsubackSignalsWaiter(t *testing.T) {
	c := newTestClient()
	ch := make(chan error, 1)
	c.unsWait[11] = ch

	fh, raw := encodeToFrame(t, &encoding.UnsubackPacket311{PacketID: 11})
	require.NoError(t, c.dispatch(fh, raw))

	select {
	case err := <-ch:
		assert.NoError(t, err)
	default:
		t.Fatal("expected unsuback waiter to be signaled")
	}
}

func TestDispatchPingrespSignalsPingChannel(t *testing.T) {
	c := newTestClient()
	fh := encoding.FixedHeader{Type: encoding.PINGRESP}
	require.NoError(t, c.dispatch(fh, nil))

	select {
	case <-c.pingCh:
	default:
		t.Fatal("expected pingCh to receive a signal")
	}
}

// attach's qosIn wiring delivers an inbound QoS2 publish to the
// application exactly once, through onPublish, without touching the
// wire — the PUBREC/PUBCOMP replies are separate callbacks exercised by
// qos.Handler's own tests.
func TestQoSInPublishCallbackDelivers(t *testing.T) {
	c := newTestClient()
	var delivered []string
	c.onMessage = func(topic string, payload []byte, qosLevel byte, retain bool) {
		delivered = append(delivered, topic)
	}

	h := qos.NewHandler(qos.DefaultConfig())
	c.qosIn = h
	h.SetPublishCallback(func(msg *message.Message) error {
		c.deliver(msg)
		return nil
	})

	msg := message.NewMessage(1, "devices/1/status", []byte("on"), encoding.QoS2, false, nil)
	require.NoError(t, h.HandlePublish(msg))
	assert.Equal(t, []string{"devices/1/status"}, delivered)
}
