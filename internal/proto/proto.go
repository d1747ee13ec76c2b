// Package proto holds the structured MQTT v5 request/response types the
// broker core operates on. The core never touches wire bytes directly — the
// connection layer (internal/transport) decodes them with internal/packet
// and builds these values instead, so the core's semantics don't depend on
// byte-level codec fidelity.
package proto

import "github.com/bdelacey/mqttd/internal/packet"

// QoSLevel reuses the wire codec's level type so the core and the transport
// layer share one vocabulary for QoS 0/1/2.
type QoSLevel = packet.QoSLevel

const (
	QoS0 = packet.QoSAtMostOnce
	QoS1 = packet.QoSAtLeastOnce
	QoS2 = packet.QoSExactlyOnce
)

// Reason codes the core emits on PUBACK/PUBREC/PUBCOMP and SUBACK. The TCP
// transport passes SUBACK reasons through as return codes; its v3.1.1-shaped
// PUBACK/PUBREC/PUBCOMP encoding carries no reason byte, so there they are
// dropped.
const (
	ReasonSuccess          byte = 0x00
	ReasonNotAuthorized    byte = 0x87
	ReasonPacketIDNotFound byte = 0x92
)

// RetainHandling controls whether a Subscribe causes retained messages on
// matching topics to be (re)delivered.
type RetainHandling byte

const (
	SendOnSubscribe        RetainHandling = 0
	SendIfNewSubscription  RetainHandling = 1
	DoNotSendOnSubscribe   RetainHandling = 2
)

// Properties carries the subset of MQTT v5 PUBLISH/CONNECT properties the
// broker core interprets. Unset numeric properties are nil, mirroring the
// convention of the retrieved v5 client library's own Properties type.
type Properties struct {
	MessageExpiryInterval *uint32
	TopicAlias            *uint16
	SessionExpiryInterval *uint32
	ReceiveMaximum        *uint16
	TopicAliasMaximum     *uint16
	UserProperties        map[string]string
}

// WillMessage is the Last Will a session publishes on ungraceful death.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     QoSLevel
	Retain  bool
	Props   Properties
}

// ConnectRequest is the structured form of an inbound CONNECT, carrying the
// raw credentials unchecked — the core runs Authorizer.Authenticate against
// them.
type ConnectRequest struct {
	ClientID   string
	CleanStart bool
	Username   *string
	Password   *string
	Will       *WillMessage
	KeepAlive  uint16
	Props      Properties
}

// PublishRequest is the structured form of an inbound or outbound PUBLISH.
type PublishRequest struct {
	Topic    string
	Payload  []byte
	QoS      QoSLevel
	Retain   bool
	Dup      bool
	PacketID uint16
	Props    Properties
}

// Clone returns a deep-enough copy of pr for per-subscriber fan-out: the
// payload is shared (never mutated after a publish is routed) but Props and
// the scalar fields are independent so the router can adjust QoS/retain/
// PacketID per recipient without aliasing the original request.
func (pr *PublishRequest) Clone() *PublishRequest {
	cp := *pr
	cp.Props = pr.Props
	return &cp
}

// SubOptions are the per-filter options a Subscribe packet carries.
type SubOptions struct {
	QoS               QoSLevel
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

// SubscribeFilter pairs a topic filter with the options requested for it.
type SubscribeFilter struct {
	Filter string
	Opts   SubOptions
}

// SubscribeRequest is the structured form of an inbound SUBSCRIBE.
type SubscribeRequest struct {
	PacketID uint16
	Filters  []SubscribeFilter
}

// SubscribeResult carries one reason code per requested filter, in order.
type SubscribeResult struct {
	PacketID uint16
	Reasons  []byte
}

// UnsubscribeRequest is the structured form of an inbound UNSUBSCRIBE.
type UnsubscribeRequest struct {
	PacketID uint16
	Filters  []string
}

// UnsubscribeResult reason codes, following the MQTT v5 UNSUBACK table.
const (
	UnsubSuccess              byte = 0x00
	UnsubNoSubscriptionExisted byte = 0x11
)

// UnsubscribeResult carries one reason code per requested filter, in order.
type UnsubscribeResult struct {
	PacketID uint16
	Reasons  []byte
}
