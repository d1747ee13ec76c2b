package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"

	brk "github.com/bdelacey/mqttd/internal/broker"
	pkt "github.com/bdelacey/mqttd/internal/packet"
	"github.com/bdelacey/mqttd/internal/proto"
	"github.com/bdelacey/mqttd/pkg/er"
)

// TCPServer accepts MQTT connections over TCP and adapts the teacher's
// v3.1.1-shaped wire codec (internal/packet) onto the broker core's
// internal/proto types. It doesn't attempt bit-exact MQTT v5 property
// parsing — CONNECT/PUBLISH properties the codec has no field for
// (Session-Expiry-Interval, Receive-Maximum, Topic-Alias-Maximum) come
// through as unset, which the broker core treats as "use the default".
type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *brk.Broker
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer that dispatches into b.
func New(addr string, b *brk.Broker) *TCPServer {
	return &TCPServer{
		addr:           addr,
		broker:         b,
		maxConnections: 1000,
	}
}

// Start begins accepting TCP connections on addr.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down accept...")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				log.Println("accept error: ", err)
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

// conn adapts a net.Conn plus its session into broker.ClientConn, encoding
// every broker-core event back into MQTT wire bytes.
type conn struct {
	nc   net.Conn
	sess *brk.Session
}

func (c *conn) SendPublish(pr *proto.PublishRequest) error {
	p := &pkt.PublishPacket{
		Topic:   pr.Topic,
		Payload: pr.Payload,
		QoS:     pkt.QoSLevel(pr.QoS),
		Retain:  pr.Retain,
		DUP:     pr.Dup,
	}
	if pr.QoS != proto.QoS0 {
		id := pr.PacketID
		p.PacketID = &id
	}
	_, err := c.nc.Write(p.Encode())
	return err
}

func (c *conn) SendPubAck(packetID uint16, _ byte) error {
	_, err := c.nc.Write(pkt.NewPubAck(packetID))
	return err
}

func (c *conn) SendPubRec(packetID uint16, _ byte) error {
	_, err := c.nc.Write(pkt.NewPubRec(packetID))
	return err
}

func (c *conn) SendPubRel(packetID uint16) error {
	_, err := c.nc.Write(pkt.NewPubRel(packetID))
	return err
}

func (c *conn) SendPubComp(packetID uint16, _ byte) error {
	_, err := c.nc.Write(pkt.NewPubComp(packetID))
	return err
}

func (c *conn) SendSubAck(res *proto.SubscribeResult) error {
	p := &pkt.SubackPacket{PacketID: res.PacketID, ReturnCodes: res.Reasons}
	_, err := c.nc.Write(p.Encode())
	return err
}

func (c *conn) SendUnsubAck(res *proto.UnsubscribeResult) error {
	p := &pkt.UnsubackPacket{PacketID: res.PacketID}
	_, err := c.nc.Write(p.Encode())
	return err
}

func (c *conn) SendPingResp() error {
	_, err := c.nc.Write(pkt.CreatePingresp().Encode())
	return err
}

func (c *conn) SendDisconnect(_ byte) error {
	return c.nc.Close()
}

func (c *conn) Close() error       { return c.nc.Close() }
func (c *conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (srv *TCPServer) handleConnection(nc net.Conn) {
	defer func() {
		nc.Close()
		srv.currentConnections.Add(-1)
		log.Printf("Connection from %s closed", nc.RemoteAddr())
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		nc.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	srv.currentConnections.Add(1)
	log.Printf("Client connected from %s (connections: %d/%d)", nc.RemoteAddr(), srv.currentConnections.Load(), srv.maxConnections)

	reader := bufio.NewReader(nc)
	var sess *brk.Session
	var c *conn

	for {
		raw, err := readPacket(reader)
		if err != nil {
			if err == io.EOF {
				log.Printf("Client %s disconnected", nc.RemoteAddr())
			} else {
				log.Printf("Read error from %s: %v", nc.RemoteAddr(), err)
			}
			if sess != nil {
				srv.broker.Disconnect(sess, false, nil)
			}
			return
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			log.Printf("Parse error from %s: %v", nc.RemoteAddr(), err)
			if sess == nil {
				nc.Write(pkt.NewConnAck(false, connAckCodeFor(err)))
			}
			if sess != nil {
				srv.broker.Disconnect(sess, false, nil)
			}
			return
		}

		if sess == nil {
			if !parsed.IsConnect() {
				log.Printf("Expected CONNECT from %s, got %v", nc.RemoteAddr(), parsed.Type)
				nc.Write(pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			}
			req := toConnectRequest(parsed.Connect)
			c = &conn{nc: nc}
			result := srv.broker.Connect(req, c)
			sess = result.Session
			c.sess = sess
			if result.Reason != proto.ReasonSuccess {
				nc.Write(pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
				return
			}
			nc.Write(pkt.NewConnAck(result.SessionPresent, pkt.ConnectionAccepted))
			continue
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			p := parsed.Publish
			pr := &proto.PublishRequest{
				Topic:   p.Topic,
				Payload: p.Payload,
				QoS:     proto.QoSLevel(p.QoS),
				Retain:  p.Retain,
				Dup:     p.DUP,
			}
			if p.PacketID != nil {
				pr.PacketID = *p.PacketID
			}
			srv.broker.Publish(sess, pr)

		case pkt.SUBSCRIBE:
			req := &proto.SubscribeRequest{PacketID: parsed.Subscribe.PacketID}
			for _, f := range parsed.Subscribe.Filters {
				req.Filters = append(req.Filters, proto.SubscribeFilter{
					Filter: f.Topic,
					Opts:   proto.SubOptions{QoS: proto.QoSLevel(f.QoS)},
				})
			}
			res := srv.broker.Subscribe(sess, req)
			c.SendSubAck(res)

		case pkt.UNSUBSCRIBE:
			req := &proto.UnsubscribeRequest{
				PacketID: parsed.Unsubscribe.PacketID,
				Filters:  parsed.Unsubscribe.TopicFilters,
			}
			res := srv.broker.Unsubscribe(sess, req)
			c.SendUnsubAck(res)

		case pkt.PUBACK:
			srv.broker.PubAck(sess, parsed.PubAck.ID)

		case pkt.PUBREC:
			srv.broker.PubRec(sess, parsed.PubRec.ID)

		case pkt.PUBREL:
			srv.broker.PubRel(sess, parsed.PubRel.ID)

		case pkt.PUBCOMP:
			srv.broker.PubComp(sess, parsed.PubComp.ID)

		case pkt.PINGREQ:
			srv.broker.Ping(sess)

		case pkt.DISCONNECT:
			srv.broker.Disconnect(sess, true, nil)
			return

		default:
			log.Printf("Unhandled packet type %v from %s", parsed.Type, nc.RemoteAddr())
			srv.broker.Disconnect(sess, false, nil)
			return
		}
	}
}

// readPacket reads one MQTT fixed header plus remaining-length-encoded
// body from r.
func readPacket(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	offset := 0
	remaining := 0
	multiplier := 1
	for {
		if offset >= len(remLenBuf) {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[offset] = b
		offset++
		remaining += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	raw := make([]byte, 1+offset+remaining)
	raw[0] = first
	copy(raw[1:1+offset], remLenBuf[:offset])
	if _, err := io.ReadFull(r, raw[1+offset:]); err != nil {
		return nil, err
	}
	return raw, nil
}

func connAckCodeFor(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

func toConnectRequest(cp *pkt.ConnectPacket) *proto.ConnectRequest {
	req := &proto.ConnectRequest{
		ClientID:   cp.ClientID,
		CleanStart: cp.CleanSession,
		Username:   cp.Username,
		Password:   cp.Password,
		KeepAlive:  cp.KeepAlive,
	}
	if cp.WillFlag && cp.WillTopic != nil && cp.WillMessage != nil {
		req.Will = &proto.WillMessage{
			Topic:   *cp.WillTopic,
			Payload: []byte(*cp.WillMessage),
			QoS:     proto.QoSLevel(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
	}
	return req
}
