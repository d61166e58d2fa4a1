package broker

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/qos"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

// hasWildcard reports whether a topic filter uses the single-level '+' or
// multi-level '#' wildcard, per MQTT-4.7.1.
func hasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// serve runs a connection's entire post-CONNECT lifetime: read a fixed
// header, read its remaining bytes, hand decoding and handling off to the
// shared worker pool, and wait for that one packet to finish before reading
// the next. Waiting preserves per-connection packet ordering (required for
// packet-id semantics) while still letting decode and handling happen off
// the reader goroutine and under the pool's panic isolation.
func (d *Domain) serve(c *Conn, wp *workerPool) {
	defer d.teardown(c)

	for {
		fh, err := c.readFixedHeader()
		if err != nil {
			_ = c.close(err)
			return
		}

		raw, err := encoding.ReadRemaining(c.reader, *fh)
		if err != nil {
			_ = c.close(err)
			return
		}

		if c.ka != nil {
			c.ka.OnPong()
		}

		result := make(chan error, 1)
		wp.submit(c, func() {
			result <- d.dispatchPacket(c, *fh, raw)
		})

		if err := <-result; err != nil {
			if !isFatal(err) {
				d.log.Warn("dropping packet", "client_id", c.clientID, "error", err)
				continue
			}
			_ = c.close(err)
			return
		}
	}
}

func (d *Domain) dispatchPacket(c *Conn, fh encoding.FixedHeader, raw []byte) error {
	r := encoding.NewRemainingReader(raw)

	switch fh.Type {
	case encoding.PUBLISH:
		p, err := encoding.DecodePublishPacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "PUBLISH", Err: err}
		}
		return d.handlePublish(c, fh, p)

	case encoding.PUBACK:
		p, err := encoding.DecodePubackPacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "PUBACK", Err: err}
		}
		return c.qos.HandlePuback(p.PacketID)

	case encoding.PUBREC:
		p, err := encoding.DecodePubrecPacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "PUBREC", Err: err}
		}
		return c.qos.HandlePubrec(p.PacketID)

	case encoding.PUBREL:
		p, err := encoding.DecodePubrelPacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "PUBREL", Err: err}
		}
		return c.qosIn.HandlePubrel(p.PacketID)

	case encoding.PUBCOMP:
		p, err := encoding.DecodePubcompPacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "PUBCOMP", Err: err}
		}
		return c.qos.HandlePubcomp(p.PacketID)

	case encoding.SUBSCRIBE:
		p, err := encoding.DecodeSubscribePacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "SUBSCRIBE", Err: err}
		}
		return d.handleSubscribe(c, p)

	case encoding.UNSUBSCRIBE:
		p, err := encoding.DecodeUnsubscribePacket311(r, fh)
		if err != nil {
			return &ProtocolError{PacketType: "UNSUBSCRIBE", Err: err}
		}
		return d.handleUnsubscribe(c, p)

	case encoding.PINGREQ:
		return d.handlePingreq(c)

	case encoding.DISCONNECT:
		if _, err := encoding.DecodeDisconnectPacket311(r, fh); err != nil {
			return &ProtocolError{PacketType: "DISCONNECT", Err: err}
		}
		return d.handleDisconnect(c)

	case encoding.CONNECT:
		// A second CONNECT on an already-established connection is a
		// protocol violation (MQTT-3.1.0-2).
		return &ProtocolError{PacketType: "CONNECT", Err: ErrProtocolViolation}

	default:
		return &ProtocolError{PacketType: fh.Type.String(), Err: ErrProtocolViolation}
	}
}

func (d *Domain) handlePublish(c *Conn, fh encoding.FixedHeader, p *encoding.PublishPacket311) error {
	d.metrics.publishIn()
	if err := encoding.ValidateTopicName(p.TopicName); err != nil {
		return &ProtocolError{PacketType: "PUBLISH", Err: err}
	}
	if d.settings.MessageSizeLimit > 0 && len(p.Payload) > d.settings.MessageSizeLimit {
		return &ResourceError{Domain: d.name, Limit: "message_size", Err: ErrResourceExhausted}
	}
	if !d.hooks.OnACLCheck(c.client, p.TopicName, hook.AccessTypeWrite) {
		return &AuthError{ClientID: c.clientID, Topic: p.TopicName, Err: ErrNotAuthorized}
	}

	msg := message.NewMessage(p.PacketID, p.TopicName, p.Payload, fh.QoS, fh.Retain, nil)
	msg.DUP = fh.DUP

	if err := d.hooks.OnPublish(c.client, toHookPublish(c, msg)); err != nil {
		return nil // hook vetoed the publish; no protocol error, just drop
	}

	if msg.Retain {
		ctx := context.Background()
		if len(msg.Payload) == 0 {
			if err := d.storage.RetainRelease(ctx, msg.Topic); err != nil {
				d.log.Warn("retain release failed", "topic", msg.Topic, "error", err)
			}
		} else if err := d.storage.RetainSet(ctx, msg.Topic, msg); err != nil {
			d.log.Warn("retain set failed", "topic", msg.Topic, "error", err)
		}
		d.hooks.OnRetainPublished(c.client, toHookPublish(c, msg))
	}

	switch fh.QoS {
	case encoding.QoS0:
		d.dispatchPublish(context.Background(), c.clientID, msg)
	case encoding.QoS1:
		d.dispatchPublish(context.Background(), c.clientID, msg)
		payload, err := encodePuback311(p.PacketID)
		if err != nil {
			return err
		}
		c.send(payload)
	case encoding.QoS2:
		if err := c.qosIn.HandlePublish(msg); err != nil {
			return err
		}
	default:
		return &ProtocolError{PacketType: "PUBLISH", Err: encoding.ErrInvalidQoS}
	}

	d.hooks.OnPublished(c.client, toHookPublish(c, msg))
	return nil
}

func (d *Domain) handleSubscribe(c *Conn, p *encoding.SubscribePacket311) error {
	codes := make([]byte, len(p.Subscriptions))
	ctx := context.Background()

	for i, sreq := range p.Subscriptions {
		if !d.settings.WildcardSubscribeAllowed && hasWildcard(sreq.TopicFilter) {
			codes[i] = 0x80
			continue
		}

		hookSub := &hook.Subscription{ClientID: c.clientID, TopicFilter: sreq.TopicFilter, QoS: byte(sreq.QoS)}
		if err := d.hooks.OnSubscribe(c.client, hookSub); err != nil || !d.hooks.OnACLCheck(c.client, sreq.TopicFilter, hook.AccessTypeRead) {
			codes[i] = 0x80
			continue
		}

		sub := &topic.Subscription{
			ClientID:    c.clientID,
			TopicFilter: sreq.TopicFilter,
			QoS:         byte(sreq.QoS),
		}
		if err := d.applySubscribe(ctx, c, sub); err != nil {
			codes[i] = 0x80
			continue
		}

		codes[i] = byte(sreq.QoS)
		d.metrics.subscribed()
		d.hooks.OnSubscribed(c.client, hookSub)
		d.deliverRetained(ctx, c, sreq.TopicFilter, byte(sreq.QoS))
	}

	return sendSuback311(c, p.PacketID, codes)
}

func (d *Domain) handleUnsubscribe(c *Conn, p *encoding.UnsubscribePacket311) error {
	ctx := context.Background()
	for _, filter := range p.TopicFilters {
		if err := d.hooks.OnUnsubscribe(c.client, filter); err != nil {
			continue
		}
		if err := d.applyUnsubscribe(ctx, c, filter); err != nil {
			d.log.Warn("unsubscribe failed", "filter", filter, "error", err)
			continue
		}
		d.metrics.unsubscribed()
		d.hooks.OnUnsubscribed(c.client, filter)
	}
	return sendUnsuback311(c, p.PacketID)
}

func (d *Domain) handlePingreq(c *Conn) error {
	return sendPingresp(c)
}

func (d *Domain) handleDisconnect(c *Conn) error {
	c.session.ClearWillMessage()
	_ = c.close(nil)
	return nil
}

// teardown runs once a connection's reader loop exits, for any reason:
// clean DISCONNECT, a protocol error, or the transport dropping. It
// removes the connection from the domain's client-id index and publishes
// the will if one is still armed.
func (d *Domain) teardown(c *Conn) {
	_ = c.close(nil)
	d.unregister(c)
	if c.ka != nil {
		c.ka.Stop()
	}

	ctx := context.Background()
	sendWill := c.closeErr != nil && c.closeErr != ErrDuplicateClientID

	d.persistInflight(c)

	if c.session != nil {
		_ = d.sessions.DisconnectSession(ctx, c.clientID, sendWill)
	}
	d.hooks.OnDisconnect(c.client, c.closeErr, c.session == nil || c.session.GetCleanStart())
}

// persistInflight is the teardown hook for a connection's live qos.Handler
// state. It copies nothing itself: bindQoS's callbacks already record each
// outbound QoS1/2 publish in the session's pending tables as it is sent and
// remove it on acknowledgment. A reconnect with CleanStart=false starts
// with a fresh qos.Handler that is not rebuilt from those tables, so
// in-flight QoS1/2 messages are not retransmitted after a reconnect.
func (d *Domain) persistInflight(c *Conn) {
	if c.qos == nil || c.session == nil {
		return
	}
}

func toHookPublish(c *Conn, msg *message.Message) *hook.PublishPacket {
	return &hook.PublishPacket{
		PacketID:   msg.PacketID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        byte(msg.QoS),
		Retain:     msg.Retain,
		Duplicate:  msg.DUP,
		Properties: msg.Properties,
		Created:    msg.CreatedAt,
		Origin:     c.clientID,
	}
}

func toHookPublishPlain(msg *message.Message) *hook.PublishPacket {
	return &hook.PublishPacket{
		PacketID:   msg.PacketID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        byte(msg.QoS),
		Retain:     msg.Retain,
		Duplicate:  msg.DUP,
		Properties: msg.Properties,
		Created:    msg.CreatedAt,
	}
}

func encodePublish311(msg *message.Message) ([]byte, error) {
	var buf bytes.Buffer
	p := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{QoS: msg.QoS, DUP: msg.DUP, Retain: msg.Retain},
		TopicName:   msg.Topic,
		PacketID:    msg.PacketID,
		Payload:     msg.Payload,
	}
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePuback311(packetID uint16) ([]byte, error) {
	var buf bytes.Buffer
	p := &encoding.PubackPacket311{PacketID: packetID}
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sendSuback311(c *Conn, packetID uint16, codes []byte) error {
	var buf bytes.Buffer
	p := &encoding.SubackPacket311{PacketID: packetID, ReturnCodes: codes}
	if err := p.Encode(&buf); err != nil {
		return err
	}
	c.send(buf.Bytes())
	return nil
}

func sendUnsuback311(c *Conn, packetID uint16) error {
	var buf bytes.Buffer
	p := &encoding.UnsubackPacket311{PacketID: packetID}
	if err := p.Encode(&buf); err != nil {
		return err
	}
	c.send(buf.Bytes())
	return nil
}

func sendPingresp(c *Conn) error {
	var buf bytes.Buffer
	fh := encoding.FixedHeader{Type: encoding.PINGRESP}
	if err := fh.EncodeFixedHeader311(&buf); err != nil {
		return err
	}
	c.send(buf.Bytes())
	return nil
}

// bindQoS wires a fresh connection's qos.Handler callbacks to wire-level
// sends and to the session's persisted pending tables, so every
// acknowledgment both replies on the socket and keeps the session's
// recovery state in sync.
func bindQoS(c *Conn, h *qos.Handler) {
	h.SetPublishCallback(func(msg *message.Message) error {
		payload, err := encodePublish311(msg)
		if err != nil {
			return err
		}
		if msg.QoS > encoding.QoS0 {
			c.session.AddPendingPublish(&session.PendingMessage{
				PacketID: msg.PacketID, Topic: msg.Topic, Payload: msg.Payload,
				QoS: byte(msg.QoS), Retain: msg.Retain, DUP: msg.DUP,
				Properties: msg.Properties, Timestamp: time.Now(),
			})
			c.domain.metrics.inflightUp()
		}
		if !c.send(payload) {
			return ErrTransportClosed
		}
		return nil
	})
	h.SetPubackCallback(func(packetID uint16) error {
		c.session.RemovePendingPublish(packetID)
		c.domain.metrics.inflightDown()
		return nil
	})
	h.SetPubrecCallback(func(packetID uint16) error {
		payload, err := encodePubrec311(packetID)
		if err != nil {
			return err
		}
		c.send(payload)
		return nil
	})
	h.SetPubrelCallback(func(packetID uint16) error {
		c.session.RemovePendingPublish(packetID)
		c.session.AddPendingPubcomp(packetID)
		payload, err := encodePubrel311(packetID)
		if err != nil {
			return err
		}
		c.send(payload)
		return nil
	})
	h.SetPubcompCallback(func(packetID uint16) error {
		c.session.RemovePendingPubcomp(packetID)
		c.domain.metrics.inflightDown()
		return nil
	})
}

// bindQoSIn wires the half of a connection's QoS bookkeeping that tracks
// QoS2 exchanges the CLIENT initiated (the client is the publisher, the
// broker the receiver). It is the mirror image of bindQoS, which tracks
// exchanges the broker initiated toward the client; the two use separate
// qos.Handler instances because a single Handler's callback slots assume
// one role, not both directions of the same connection.
func bindQoSIn(d *Domain, c *Conn, h *qos.Handler) {
	h.SetPublishCallback(func(msg *message.Message) error {
		d.dispatchPublish(context.Background(), c.clientID, msg)
		return nil
	})
	h.SetPubrecCallback(func(packetID uint16) error {
		payload, err := encodePubrec311(packetID)
		if err != nil {
			return err
		}
		c.send(payload)
		return nil
	})
	h.SetPubcompCallback(func(packetID uint16) error {
		payload, err := encodePubcomp311(packetID)
		if err != nil {
			return err
		}
		c.send(payload)
		return nil
	})
}

func encodePubcomp311(packetID uint16) ([]byte, error) {
	var buf bytes.Buffer
	p := &encoding.PubcompPacket311{PacketID: packetID}
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePubrec311(packetID uint16) ([]byte, error) {
	var buf bytes.Buffer
	p := &encoding.PubrecPacket311{PacketID: packetID}
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePubrel311(packetID uint16) ([]byte, error) {
	var buf bytes.Buffer
	p := &encoding.PubrelPacket311{PacketID: packetID}
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
