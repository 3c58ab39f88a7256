package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isoai/isoai-client/pkg/protocol"
)

// framer converts between protocol envelopes and websocket text frames.
type framer interface {
	name() string

	// url builds the dial URL from the configured endpoint.
	url(endpoint string) (string, error)

	// handshake runs any in-band session setup after the websocket upgrade.
	// It returns how long the connection may stay silent; zero means forever.
	handshake(conn *websocket.Conn, timeout time.Duration) (time.Duration, error)

	encode(msg *protocol.Message) ([]byte, error)

	// decode parses one inbound frame. msg is nil for control frames and
	// reply, when set, must be written back. errRemoteClosed ends the connection.
	decode(data []byte) (msg *protocol.Message, reply []byte, err error)

	// goodbye is written before a client-initiated close, if non-nil.
	goodbye() []byte
}

// wsURL rewrites http(s) endpoints to ws(s).
func wsURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
	return u, nil
}

// =============================================================================
// Envelope framing
// =============================================================================

type envelopeFramer struct{}

func (envelopeFramer) name() string { return "websocket" }

func (envelopeFramer) url(endpoint string) (string, error) {
	u, err := wsURL(endpoint)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (envelopeFramer) handshake(*websocket.Conn, time.Duration) (time.Duration, error) {
	return 0, nil
}

func (envelopeFramer) encode(msg *protocol.Message) ([]byte, error) {
	return msg.Bytes()
}

func (envelopeFramer) decode(data []byte) (*protocol.Message, []byte, error) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return nil, nil, err
	}
	if msg.Type != protocol.TypePing {
		return msg, nil, nil
	}

	ping, err := msg.GetPingData()
	if err != nil {
		return nil, nil, err
	}
	pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	reply, err := pong.Bytes()
	return nil, reply, err
}

func (envelopeFramer) goodbye() []byte { return nil }

// =============================================================================
// Socket.IO framing (Engine.IO v4, websocket transport, default namespace)
// =============================================================================

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

type socketIOFramer struct {
	events protocol.EventNames
}

type eioOpenPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

func (f *socketIOFramer) name() string { return "socketio" }

func (f *socketIOFramer) url(endpoint string) (string, error) {
	u, err := wsURL(endpoint)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// liveness is how long the server may stay silent: it pings every
// pingInterval and expects the client to give up after pingTimeout more.
func (p eioOpenPacket) liveness() time.Duration {
	if p.PingInterval <= 0 {
		return 0
	}
	return time.Duration(p.PingInterval+p.PingTimeout) * time.Millisecond
}

// handshake reads the open packet, joins the default namespace and waits
// for the server to acknowledge it.
func (f *socketIOFramer) handshake(conn *websocket.Conn, timeout time.Duration) (time.Duration, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("socketio: read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return 0, fmt.Errorf("socketio: expected open packet, got %q", truncate(data))
	}
	var open eioOpenPacket
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return 0, fmt.Errorf("socketio: parse open packet: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return 0, fmt.Errorf("socketio: send connect: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("socketio: await connect: %w", err)
		}
		switch {
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnect:
			return open.liveness(), nil
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnectError:
			return 0, fmt.Errorf("socketio: connect refused: %s", data[2:])
		case len(data) >= 1 && data[0] == eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return 0, err
			}
		}
	}
}

// encode emits the message under its legacy event name. Frames are sent as
// a bare data URI string.
func (f *socketIOFramer) encode(msg *protocol.Message) ([]byte, error) {
	event, ok := f.events.EventForType(msg.Type)
	if !ok {
		return nil, fmt.Errorf("socketio: no event name for %q", msg.Type)
	}

	payload := json.RawMessage("null")
	if msg.Type == protocol.TypeFrame {
		fd, err := msg.GetFrameData()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(fd.Data)
		if err != nil {
			return nil, err
		}
		payload = b
	} else if len(msg.Data) > 0 {
		payload = msg.Data
	}

	body, err := json.Marshal([]json.RawMessage{mustString(event), payload})
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

func (f *socketIOFramer) decode(data []byte) (*protocol.Message, []byte, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("socketio: empty packet")
	}

	switch data[0] {
	case eioPing:
		reply := append([]byte{eioPong}, data[1:]...)
		return nil, reply, nil
	case eioPong:
		return nil, nil, nil
	case eioClose:
		return nil, nil, errRemoteClosed
	case eioMessage:
		return f.decodePacket(data[1:])
	}
	return nil, nil, nil
}

func (f *socketIOFramer) decodePacket(p []byte) (*protocol.Message, []byte, error) {
	if len(p) == 0 {
		return nil, nil, errors.New("socketio: empty message")
	}

	switch p[0] {
	case sioConnect:
		return nil, nil, nil
	case sioDisconnect:
		return nil, nil, errRemoteClosed
	case sioConnectError:
		return nil, nil, fmt.Errorf("%w: %s", errRemoteClosed, p[1:])
	case sioEvent, sioAck:
	default:
		return nil, nil, fmt.Errorf("socketio: unsupported packet type %q", p[0])
	}

	body := string(p[1:])
	// Optional namespace: "/ns,".
	if strings.HasPrefix(body, "/") {
		_, rest, ok := strings.Cut(body, ",")
		if !ok {
			return nil, nil, fmt.Errorf("socketio: malformed namespace in %q", truncate(p))
		}
		body = rest
	}
	// Optional ack id.
	body = strings.TrimLeft(body, "0123456789")

	var args []json.RawMessage
	if err := json.Unmarshal([]byte(body), &args); err != nil {
		return nil, nil, fmt.Errorf("socketio: parse event: %w", err)
	}
	if len(args) == 0 {
		return nil, nil, errors.New("socketio: event without name")
	}

	var event string
	if err := json.Unmarshal(args[0], &event); err != nil {
		return nil, nil, fmt.Errorf("socketio: event name: %w", err)
	}
	typ, ok := f.events.TypeForEvent(event)
	if !ok || typ != protocol.TypeResult {
		return nil, nil, nil
	}

	var payload json.RawMessage
	if len(args) > 1 {
		payload = args[1]
	}
	return &protocol.Message{
		Type:      protocol.TypeResult,
		Timestamp: time.Now().UnixMilli(),
		Data:      payload,
	}, nil, nil
}

func (f *socketIOFramer) goodbye() []byte {
	return []byte{eioMessage, sioDisconnect}
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
