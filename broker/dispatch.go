package broker

import (
	"context"
	"time"

	"github.com/nimbusmq/broker/encoding"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
	"github.com/nimbusmq/broker/types/message"
)

// dispatchPublish fans a message out to a domain's matching subscribers. It
// runs on the publisher's own dispatch goroutine (submitted through the
// worker pool by the PUBLISH handler), after OnPublish hooks have already
// run and the retained-message side effect has already been applied.
func (d *Domain) dispatchPublish(ctx context.Context, publisherClientID string, msg *message.Message) {
	subs := d.router.MatchWithPublisher(msg.Topic, publisherClientID)
	for _, sub := range subs {
		d.deliverTo(ctx, sub, msg)
	}
}

// deliverTo sends msg to one matched subscriber at the MQTT-mandated
// effective QoS (the lesser of the publish and subscribe QoS), either live
// if the subscriber is connected or into its offline queue otherwise.
func (d *Domain) deliverTo(ctx context.Context, sub topic.SubscriberInfo, msg *message.Message) {
	effectiveQoS := msg.QoS
	if byte(effectiveQoS) > sub.QoS {
		effectiveQoS = encoding.QoS(sub.QoS)
	}

	c, online := d.lookup(sub.ClientID)
	if !online || !c.acquire() {
		d.queueOffline(ctx, sub.ClientID, msg, effectiveQoS)
		return
	}
	defer c.release()

	out := msg.Clone()
	out.QoS = effectiveQoS
	if !sub.RetainAsPublished {
		out.Retain = false
	}

	d.hooks.OnQosPublish(c.client, toHookPublish(c, out), out.CreatedAt, out.AttemptCount)

	switch effectiveQoS {
	case encoding.QoS0:
		d.sendPublish(c, out)
	case encoding.QoS1:
		if _, err := c.qos.PublishQoS1(out.Topic, out.Payload, out.Retain, out.Properties); err != nil {
			d.queueOffline(ctx, sub.ClientID, msg, effectiveQoS)
		}
	case encoding.QoS2:
		if _, err := c.qos.PublishQoS2(out.Topic, out.Payload, out.Retain, out.Properties); err != nil {
			d.queueOffline(ctx, sub.ClientID, msg, effectiveQoS)
		}
	}
}

// queueOffline persists msg for later delivery when sub's client-id is not
// currently connected, respecting QoS0's "no durability" semantics (a QoS0
// publish to an offline subscriber is simply dropped, per the spec).
func (d *Domain) queueOffline(ctx context.Context, clientID string, msg *message.Message, effectiveQoS encoding.QoS) {
	if effectiveQoS == encoding.QoS0 {
		d.hooks.OnPublishDropped(nil, toHookPublishPlain(msg), hook.DropReasonClientDisconnected)
		return
	}
	out := msg.Clone()
	out.QoS = effectiveQoS
	if err := d.storage.StoreMsg(ctx, clientID, out, d.settings); err != nil {
		d.log.Warn("offline queue store failed", "client_id", clientID, "error", err)
	}
}

// sendPublish encodes and enqueues a QoS0 PUBLISH directly, bypassing
// qos.Handler since there is no acknowledgment to track.
func (d *Domain) sendPublish(c *Conn, msg *message.Message) {
	payload, err := encodePublish311(msg)
	if err != nil {
		d.log.Warn("publish encode failed", "error", err)
		return
	}
	c.send(payload)
	d.metrics.publishOut()
}

// flushOffline delivers every queued message for a client-id immediately
// after it (re)connects, respecting each message's own QoS.
func (d *Domain) flushOffline(ctx context.Context, c *Conn) {
	msgs, err := d.storage.QueuedMessages(ctx, c.clientID)
	if err != nil {
		d.log.Warn("offline queue load failed", "client_id", c.clientID, "error", err)
		return
	}
	for _, msg := range msgs {
		msg.DUP = true
		switch msg.QoS {
		case encoding.QoS0:
			d.sendPublish(c, msg)
		case encoding.QoS1:
			if _, err := c.qos.PublishQoS1(msg.Topic, msg.Payload, msg.Retain, msg.Properties); err != nil {
				continue
			}
		case encoding.QoS2:
			if _, err := c.qos.PublishQoS2(msg.Topic, msg.Payload, msg.Retain, msg.Properties); err != nil {
				continue
			}
		}
		_ = d.storage.ReleaseMsg(ctx, c.clientID, msg.PacketID)
	}
}

// deliverRetained sends every retained message matching a fresh
// subscription's filter, per MQTT RETAIN-on-SUBSCRIBE semantics.
func (d *Domain) deliverRetained(ctx context.Context, c *Conn, filter string, subQoS byte) {
	msgs, err := d.storage.RetainTopicsMatching(ctx, filter)
	if err != nil {
		d.log.Warn("retained match failed", "filter", filter, "error", err)
		return
	}
	for _, msg := range msgs {
		out := msg.Clone()
		out.Retain = true
		if byte(out.QoS) > subQoS {
			out.QoS = encoding.QoS(subQoS)
		}
		switch out.QoS {
		case encoding.QoS0:
			d.sendPublish(c, out)
		case encoding.QoS1:
			_, _ = c.qos.PublishQoS1(out.Topic, out.Payload, true, out.Properties)
		case encoding.QoS2:
			_, _ = c.qos.PublishQoS2(out.Topic, out.Payload, true, out.Properties)
		}
	}
}

// applySubscribe drains any publish delivery currently in flight to c
// (see Conn.drainInFlight) before mutating the router and session, so a
// concurrently-running deliverTo can't observe a half-updated subscription
// set for this client-id.
func (d *Domain) applySubscribe(ctx context.Context, c *Conn, sub *topic.Subscription) error {
	c.drainInFlight(ctx)

	if err := d.router.Subscribe(sub); err != nil {
		return err
	}

	sessSub := &session.Subscription{
		TopicFilter:            sub.TopicFilter,
		QoS:                    sub.QoS,
		NoLocal:                sub.NoLocal,
		RetainAsPublished:      sub.RetainAsPublished,
		RetainHandling:         sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier,
		SubscribedAt:           time.Now(),
	}
	return d.storage.Sub(ctx, c.session, sessSub)
}

func (d *Domain) applyUnsubscribe(ctx context.Context, c *Conn, filter string) error {
	c.drainInFlight(ctx)
	d.router.Unsubscribe(c.clientID, filter)
	return d.storage.Unsub(ctx, c.session, filter)
}
