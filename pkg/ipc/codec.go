package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/gorilla/websocket"

	"github.com/fiasco-engine/ipc/pkg/types"
)

// CloseReason records why a channel went away. It is used for logs and
// metrics only; the Closed event itself carries no reason.
type CloseReason string

const (
	ReasonRequested         CloseReason = "requested"
	ReasonPeerClosed        CloseReason = "peer_closed"
	ReasonDisconnected      CloseReason = "disconnected"
	ReasonProtocolViolation CloseReason = "protocol_violation"
	ReasonIdleTimeout       CloseReason = "idle_timeout"
	ReasonSlowPeer          CloseReason = "slow_peer"
	ReasonWriteFailed       CloseReason = "write_failed"
	ReasonShutdown          CloseReason = "shutdown"
)

// Codec converts between transport frames and bus events, and between bus
// events and their self-describing envelope encoding.
type Codec struct{}

// DecodeFrame turns one inbound WebSocket data frame into a MessageFromRemote
// carrying the frame bytes unchanged. Binary and text frames are both opaque
// content; any other frame type is a protocol violation.
func (Codec) DecodeFrame(ch types.ChannelID, messageType int, data []byte) (types.MessageFromRemote, error) {
	switch messageType {
	case websocket.BinaryMessage, websocket.TextMessage:
		return types.NewMessageFromRemote(ch, data), nil
	default:
		return types.MessageFromRemote{}, types.NewError(types.ErrCodeMalformed,
			fmt.Sprintf("unsupported frame type %d", messageType))
	}
}

// EncodeFrame turns a MessageToRemote into a single binary frame
func (Codec) EncodeFrame(msg types.MessageToRemote) (int, []byte) {
	return websocket.BinaryMessage, msg.Content()
}

// ReadErrorReason classifies an error returned by the WebSocket reader
func (Codec) ReadErrorReason(err error) CloseReason {
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr):
		if closeErr.Code == websocket.CloseProtocolError || closeErr.Code == websocket.CloseUnsupportedData {
			return ReasonProtocolViolation
		}
		return ReasonPeerClosed
	case errors.Is(err, websocket.ErrReadLimit):
		return ReasonProtocolViolation
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonIdleTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ReasonDisconnected
	case errors.As(err, &netErr):
		return ReasonDisconnected
	default:
		// The reader reports framing problems (bad opcode, reserved bits,
		// fragmented control frames, invalid close payloads) as plain errors.
		return ReasonProtocolViolation
	}
}

// Marshal encodes ev as an envelope. It satisfies events.Marshaler.
func (Codec) Marshal(ev types.Event) ([]byte, error) {
	return EncodeEnvelope(ev)
}

// Unmarshal decodes an envelope produced by Marshal
func (Codec) Unmarshal(buf []byte) (types.Event, error) {
	return DecodeEnvelope(buf)
}

// Envelope layout, as a FlatBuffers schema:
//
//	table Envelope {
//	  kind:    ubyte;   // types.EventKind, required
//	  port:    ushort;
//	  channel: ushort;
//	  owner:   string;
//	  result:  ubyte;   // types.ListenResult
//	  content: [ubyte];
//	}
//	root_type Envelope;
const (
	slotKind = iota
	slotPort
	slotChannel
	slotOwner
	slotResult
	slotContent
	envelopeSlots
)

type envelopeFields struct {
	kind    types.EventKind
	port    types.Port
	channel types.ChannelID
	owner   types.OwnerID
	result  types.ListenResult
	content []byte
}

func fieldsOf(ev types.Event) (envelopeFields, error) {
	f := envelopeFields{kind: ev.Kind()}
	switch e := ev.(type) {
	case types.PortListen:
		f.port, f.owner = e.Port, e.Owner
	case types.PortIgnore:
		f.port, f.owner = e.Port, e.Owner
	case types.MessageToRemote:
		f.channel, f.content = e.Channel, e.Content()
	case types.Close:
		f.channel = e.Channel
	case types.PortListenResult:
		f.port, f.owner, f.result = e.Port, e.Owner, e.Result
	case types.Opened:
		f.port, f.owner, f.channel = e.Port, e.Owner, e.Channel
	case types.MessageFromRemote:
		f.channel, f.content = e.Channel, e.Content()
	case types.Closed:
		f.channel = e.Channel
	case types.PortIgnored:
		f.port, f.owner = e.Port, e.Owner
	default:
		return f, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("cannot encode event %T", ev))
	}
	return f, nil
}

// EncodeEnvelope encodes any command or event into a FlatBuffers envelope
func EncodeEnvelope(ev types.Event) ([]byte, error) {
	if ev == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event cannot be nil")
	}
	f, err := fieldsOf(ev)
	if err != nil {
		return nil, err
	}

	b := flatbuffers.NewBuilder(64 + len(f.content) + len(f.owner))

	var ownerOff, contentOff flatbuffers.UOffsetT
	if f.owner != "" {
		ownerOff = b.CreateString(string(f.owner))
	}
	if len(f.content) > 0 {
		contentOff = b.CreateByteVector(f.content)
	}

	b.StartObject(envelopeSlots)
	b.PrependByteSlot(slotKind, byte(f.kind), 0)
	b.PrependUint16Slot(slotPort, uint16(f.port), 0)
	b.PrependUint16Slot(slotChannel, uint16(f.channel), 0)
	if ownerOff != 0 {
		b.PrependUOffsetTSlot(slotOwner, ownerOff, 0)
	}
	b.PrependByteSlot(slotResult, byte(f.result), 0)
	if contentOff != 0 {
		b.PrependUOffsetTSlot(slotContent, contentOff, 0)
	}
	b.Finish(b.EndObject())

	return b.FinishedBytes(), nil
}

// DecodeEnvelope decodes a FlatBuffers envelope. Every offset is checked
// against the buffer before it is followed; a buffer that is not a
// structurally valid envelope yields ErrCodeMalformed.
func DecodeEnvelope(buf []byte) (ev types.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = types.NewError(types.ErrCodeMalformed, fmt.Sprintf("malformed envelope: %v", r))
		}
	}()

	r, err := newEnvelopeReader(buf)
	if err != nil {
		return nil, err
	}

	kindByte, err := r.byteField(slotKind)
	if err != nil {
		return nil, err
	}
	kind := types.EventKind(kindByte)
	if !kind.Valid() {
		return nil, malformed("unknown event kind %d", kindByte)
	}

	portVal, err := r.uint16Field(slotPort)
	if err != nil {
		return nil, err
	}
	chanVal, err := r.uint16Field(slotChannel)
	if err != nil {
		return nil, err
	}
	owner, err := r.bytesField(slotOwner)
	if err != nil {
		return nil, err
	}
	resultByte, err := r.byteField(slotResult)
	if err != nil {
		return nil, err
	}
	content, err := r.bytesField(slotContent)
	if err != nil {
		return nil, err
	}

	port := types.Port(portVal)
	ch := types.ChannelID(chanVal)
	ownerID := types.OwnerID(owner)
	if len(content) == 0 {
		content = nil
	}

	switch kind {
	case types.KindMessageToRemote, types.KindClose, types.KindOpened,
		types.KindMessageFromRemote, types.KindClosed:
		if ch == 0 {
			return nil, malformed("%s envelope without channel", kind)
		}
	}

	switch kind {
	case types.KindPortListen:
		return types.PortListen{Port: port, Owner: ownerID}, nil
	case types.KindPortIgnore:
		return types.PortIgnore{Port: port, Owner: ownerID}, nil
	case types.KindMessageToRemote:
		return types.NewMessageToRemote(ch, content), nil
	case types.KindClose:
		return types.Close{Channel: ch}, nil
	case types.KindPortListenResult:
		result := types.ListenResult(resultByte)
		if !result.Valid() {
			return nil, malformed("unknown listen result %d", resultByte)
		}
		return types.PortListenResult{Port: port, Owner: ownerID, Result: result}, nil
	case types.KindOpened:
		return types.Opened{Port: port, Owner: ownerID, Channel: ch}, nil
	case types.KindMessageFromRemote:
		return types.NewMessageFromRemote(ch, content), nil
	case types.KindClosed:
		return types.Closed{Channel: ch}, nil
	case types.KindPortIgnored:
		return types.PortIgnored{Port: port, Owner: ownerID}, nil
	}
	return nil, malformed("unhandled event kind %s", kind)
}

func malformed(format string, args ...any) error {
	return types.NewError(types.ErrCodeMalformed, fmt.Sprintf(format, args...))
}

// envelopeReader wraps a flatbuffers.Table with bounds checks
type envelopeReader struct {
	tab       flatbuffers.Table
	size      int
	objectLen int
}

func newEnvelopeReader(buf []byte) (*envelopeReader, error) {
	size := len(buf)
	if size < flatbuffers.SizeUOffsetT+flatbuffers.SizeSOffsetT {
		return nil, malformed("envelope too short (%d bytes)", size)
	}

	root := int(flatbuffers.GetUOffsetT(buf))
	if root+flatbuffers.SizeSOffsetT > size {
		return nil, malformed("root offset %d out of range", root)
	}

	vtable := root - int(flatbuffers.GetSOffsetT(buf[root:]))
	if vtable < 0 || vtable+2*flatbuffers.SizeVOffsetT > size {
		return nil, malformed("vtable offset %d out of range", vtable)
	}
	vtableLen := int(flatbuffers.GetVOffsetT(buf[vtable:]))
	objectLen := int(flatbuffers.GetVOffsetT(buf[vtable+flatbuffers.SizeVOffsetT:]))
	if vtableLen < 2*flatbuffers.SizeVOffsetT || vtableLen%2 != 0 || vtable+vtableLen > size {
		return nil, malformed("invalid vtable length %d", vtableLen)
	}
	if objectLen < flatbuffers.SizeSOffsetT || root+objectLen > size {
		return nil, malformed("invalid object length %d", objectLen)
	}

	return &envelopeReader{
		tab:       flatbuffers.Table{Bytes: buf, Pos: flatbuffers.UOffsetT(root)},
		size:      size,
		objectLen: objectLen,
	}, nil
}

// field returns the absolute position of slot, or 0 if it is absent. The
// field of width bytes must lie inside the object.
func (r *envelopeReader) field(slot, width int) (int, error) {
	off := int(r.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
	if off == 0 {
		return 0, nil
	}
	if off < flatbuffers.SizeSOffsetT || off+width > r.objectLen {
		return 0, malformed("field %d out of object bounds", slot)
	}
	return int(r.tab.Pos) + off, nil
}

func (r *envelopeReader) byteField(slot int) (byte, error) {
	pos, err := r.field(slot, 1)
	if err != nil || pos == 0 {
		return 0, err
	}
	return r.tab.GetByte(flatbuffers.UOffsetT(pos)), nil
}

func (r *envelopeReader) uint16Field(slot int) (uint16, error) {
	pos, err := r.field(slot, 2)
	if err != nil || pos == 0 {
		return 0, err
	}
	return r.tab.GetUint16(flatbuffers.UOffsetT(pos)), nil
}

// bytesField reads a string or [ubyte] field. The returned slice aliases the
// buffer; callers copy it.
func (r *envelopeReader) bytesField(slot int) ([]byte, error) {
	pos, err := r.field(slot, flatbuffers.SizeUOffsetT)
	if err != nil || pos == 0 {
		return nil, err
	}
	target := pos + int(flatbuffers.GetUOffsetT(r.tab.Bytes[pos:]))
	if target+flatbuffers.SizeUOffsetT > r.size {
		return nil, malformed("field %d vector offset out of range", slot)
	}
	n := int(flatbuffers.GetUint32(r.tab.Bytes[target:]))
	if n < 0 || target+flatbuffers.SizeUOffsetT+n > r.size {
		return nil, malformed("field %d vector length %d out of range", slot, n)
	}
	return r.tab.ByteVector(flatbuffers.UOffsetT(pos)), nil
}
