package packet

import (
	"encoding/binary"

	"github.com/bdelacey/mqttd/pkg/er"
)

// Parse inspects the fixed header of raw and dispatches to the matching
// packet type's own parser, returning a ParsedPacket with exactly one
// typed field populated.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 2 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := PacketType(raw[0] & 0xF0)
	result := &ParsedPacket{Type: packetType, Raw: raw}

	switch packetType {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = p

	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = p

	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = p

	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = p

	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = p

	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = p

	case PUBACK:
		id, err := parsePacketIDPayload(raw)
		if err != nil {
			return nil, err
		}
		result.PubAck = id

	case PUBREC:
		id, err := parsePacketIDPayload(raw)
		if err != nil {
			return nil, err
		}
		result.PubRec = id

	case PUBREL:
		id, err := parsePacketIDPayload(raw)
		if err != nil {
			return nil, err
		}
		result.PubRel = id

	case PUBCOMP:
		id, err := parsePacketIDPayload(raw)
		if err != nil {
			return nil, err
		}
		result.PubComp = id

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}

	return result, nil
}

// parsePacketIDPayload decodes the fixed two-byte-remaining-length, two-
// byte packet ID payload shared by PUBACK, PUBREC, PUBREL, and PUBCOMP.
func parsePacketIDPayload(raw []byte) (*PacketID, error) {
	if len(raw) < 4 || raw[1] != 0x02 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketLength,
		}
	}
	return &PacketID{ID: binary.BigEndian.Uint16(raw[2:4])}, nil
}
