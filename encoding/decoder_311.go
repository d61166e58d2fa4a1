package encoding

import (
	"bytes"
	"io"
)

// MQTT 3.1.1 Packet Decoders
//
// Each Decode function consumes exactly fh.RemainingLength bytes from r and
// populates the matching 311 packet struct. The fixed header must already
// have been parsed with ParseFixedHeader; these functions only decode the
// variable header and payload.

func limit(r io.Reader, fh FixedHeader) io.Reader {
	return io.LimitReader(r, int64(fh.RemainingLength))
}

// DecodeConnectPacket311 decodes an MQTT 3.1.1 CONNECT variable header and payload.
func DecodeConnectPacket311(r io.Reader, fh FixedHeader) (*ConnectPacket311, error) {
	lr := limit(r, fh)

	protocolName, err := readUTF8String(lr)
	if err != nil {
		return nil, err
	}

	versionByte, err := readByte(lr)
	if err != nil {
		return nil, err
	}

	flags, err := readByte(lr)
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, ErrInvalidConnectFlags
	}

	keepAlive, err := readTwoByteInt(lr)
	if err != nil {
		return nil, err
	}

	clientID, err := readUTF8String(lr)
	if err != nil {
		return nil, err
	}

	p := &ConnectPacket311{
		FixedHeader:     fh,
		ProtocolName:    protocolName,
		ProtocolVersion: ProtocolVersion(versionByte),
		CleanSession:    flags&0x02 != 0,
		WillFlag:        flags&0x04 != 0,
		WillQoS:         QoS((flags & 0x18) >> 3),
		WillRetain:      flags&0x20 != 0,
		PasswordFlag:    flags&0x40 != 0,
		UsernameFlag:    flags&0x80 != 0,
		KeepAlive:       keepAlive,
		ClientID:        clientID,
	}

	if p.WillFlag {
		if p.WillTopic, err = readUTF8String(lr); err != nil {
			return nil, err
		}
		if p.WillPayload, err = readBinaryData(lr); err != nil {
			return nil, err
		}
	}

	if p.UsernameFlag {
		if p.Username, err = readUTF8String(lr); err != nil {
			return nil, err
		}
	}

	if p.PasswordFlag {
		if p.Password, err = readBinaryData(lr); err != nil {
			return nil, err
		}
	}

	if err := ValidateConnectFlags(flags); err != nil {
		return nil, err
	}

	return p, nil
}

// DecodeConnackPacket311 decodes an MQTT 3.1.1 CONNACK packet.
func DecodeConnackPacket311(r io.Reader, fh FixedHeader) (*ConnackPacket311, error) {
	lr := limit(r, fh)

	ackFlags, err := readByte(lr)
	if err != nil {
		return nil, err
	}
	returnCode, err := readByte(lr)
	if err != nil {
		return nil, err
	}

	return &ConnackPacket311{
		FixedHeader:    fh,
		SessionPresent: ackFlags&0x01 != 0,
		ReturnCode:     returnCode,
	}, nil
}

// DecodePublishPacket311 decodes an MQTT 3.1.1 PUBLISH packet.
func DecodePublishPacket311(r io.Reader, fh FixedHeader) (*PublishPacket311, error) {
	lr := limit(r, fh)

	topicName, err := readUTF8String(lr)
	if err != nil {
		return nil, err
	}

	p := &PublishPacket311{
		FixedHeader: fh,
		TopicName:   topicName,
	}

	if fh.QoS > QoS0 {
		if p.PacketID, err = readTwoByteInt(lr); err != nil {
			return nil, err
		}
		if p.PacketID == 0 {
			return nil, ErrInvalidPacketIDZero
		}
	}

	payload, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	p.Payload = payload

	return p, nil
}

func decodePacketIDOnly(r io.Reader, fh FixedHeader) (uint16, error) {
	lr := limit(r, fh)
	id, err := readTwoByteInt(lr)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ErrInvalidPacketIDZero
	}
	return id, nil
}

// DecodePubackPacket311 decodes an MQTT 3.1.1 PUBACK packet.
func DecodePubackPacket311(r io.Reader, fh FixedHeader) (*PubackPacket311, error) {
	id, err := decodePacketIDOnly(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubackPacket311{FixedHeader: fh, PacketID: id}, nil
}

// DecodePubrecPacket311 decodes an MQTT 3.1.1 PUBREC packet.
func DecodePubrecPacket311(r io.Reader, fh FixedHeader) (*PubrecPacket311, error) {
	id, err := decodePacketIDOnly(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket311{FixedHeader: fh, PacketID: id}, nil
}

// DecodePubrelPacket311 decodes an MQTT 3.1.1 PUBREL packet.
func DecodePubrelPacket311(r io.Reader, fh FixedHeader) (*PubrelPacket311, error) {
	id, err := decodePacketIDOnly(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket311{FixedHeader: fh, PacketID: id}, nil
}

// DecodePubcompPacket311 decodes an MQTT 3.1.1 PUBCOMP packet.
func DecodePubcompPacket311(r io.Reader, fh FixedHeader) (*PubcompPacket311, error) {
	id, err := decodePacketIDOnly(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket311{FixedHeader: fh, PacketID: id}, nil
}

// DecodeSubscribePacket311 decodes an MQTT 3.1.1 SUBSCRIBE packet.
func DecodeSubscribePacket311(r io.Reader, fh FixedHeader) (*SubscribePacket311, error) {
	lr := limit(r, fh)

	id, err := readTwoByteInt(lr)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketIDZero
	}

	p := &SubscribePacket311{FixedHeader: fh, PacketID: id}

	for {
		topicFilter, err := readUTF8String(lr)
		if err != nil {
			if err == io.EOF || err == ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		qosByte, err := readByte(lr)
		if err != nil {
			return nil, err
		}
		qos := QoS(qosByte & 0x03)
		if !qos.IsValid() {
			return nil, ErrInvalidQoS
		}
		p.Subscriptions = append(p.Subscriptions, Subscription311{
			TopicFilter: topicFilter,
			QoS:         qos,
		})
	}

	if len(p.Subscriptions) == 0 {
		return nil, ErrEmptySubscriptionList
	}

	return p, nil
}

// DecodeSubackPacket311 decodes an MQTT 3.1.1 SUBACK packet.
func DecodeSubackPacket311(r io.Reader, fh FixedHeader) (*SubackPacket311, error) {
	lr := limit(r, fh)

	id, err := readTwoByteInt(lr)
	if err != nil {
		return nil, err
	}

	codes, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}

	return &SubackPacket311{FixedHeader: fh, PacketID: id, ReturnCodes: codes}, nil
}

// DecodeUnsubscribePacket311 decodes an MQTT 3.1.1 UNSUBSCRIBE packet.
func DecodeUnsubscribePacket311(r io.Reader, fh FixedHeader) (*UnsubscribePacket311, error) {
	lr := limit(r, fh)

	id, err := readTwoByteInt(lr)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketIDZero
	}

	p := &UnsubscribePacket311{FixedHeader: fh, PacketID: id}

	for {
		topicFilter, err := readUTF8String(lr)
		if err != nil {
			if err == io.EOF || err == ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		p.TopicFilters = append(p.TopicFilters, topicFilter)
	}

	if len(p.TopicFilters) == 0 {
		return nil, ErrEmptyUnsubscribeList
	}

	return p, nil
}

// DecodeUnsubackPacket311 decodes an MQTT 3.1.1 UNSUBACK packet.
func DecodeUnsubackPacket311(r io.Reader, fh FixedHeader) (*UnsubackPacket311, error) {
	id, err := decodePacketIDOnly(r, fh)
	if err != nil {
		return nil, err
	}
	return &UnsubackPacket311{FixedHeader: fh, PacketID: id}, nil
}

// DecodeDisconnectPacket311 decodes an MQTT 3.1.1 DISCONNECT packet.
func DecodeDisconnectPacket311(r io.Reader, fh FixedHeader) (*DisconnectPacket311, error) {
	if fh.RemainingLength > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(fh.RemainingLength)); err != nil {
			return nil, err
		}
	}
	return &DisconnectPacket311{FixedHeader: fh}, nil
}

// ReadRemaining reads exactly fh.RemainingLength bytes from r into a fresh
// buffer, so a decoder can run against an in-memory byte slice instead of
// streaming off the socket reader directly.
func ReadRemaining(r io.Reader, fh FixedHeader) ([]byte, error) {
	buf := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// NewRemainingReader wraps an already-read remaining-length buffer as a
// io.Reader bound to exactly its own length, for decoders that want bytes.Reader
// semantics (ReadByte etc) rather than io.Reader.
func NewRemainingReader(buf []byte) *bytes.Reader {
	return bytes.NewReader(buf)
}
