// Package core implements the reliable framed-datagram transport, flow and
// congestion control, connection management, and application message
// dispatch that ride on top of it. See the frame codec (frame.go), reliable
// assembly (assembly.go, assembly_send.go), flow control (flowcontrol.go,
// congestion.go, globalflow.go), connection management (connection.go,
// handshake.go, peerdirectory.go), and envelope dispatch (envelope.go,
// dispatch.go).
package core

import (
	"encoding/binary"
	"net"
)

// FrameType discriminates the closed set of wire frame kinds (spec §6.4).
type FrameType uint8

const (
	FrameData        FrameType = 1
	FrameDataAck     FrameType = 2
	FrameAllAck      FrameType = 3
	FrameBatchAck    FrameType = 4
	FramePing        FrameType = 5
	FramePong        FrameType = 6
	FrameConnectReq  FrameType = 7
	FrameConnectResp FrameType = 8
	FrameOff         FrameType = 9
	FramePeerOff     FrameType = 10
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameDataAck:
		return "DATA_ACK"
	case FrameAllAck:
		return "ALL_ACK"
	case FrameBatchAck:
		return "BATCH_ACK"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameConnectReq:
		return "CONNECT_REQ"
	case FrameConnectResp:
		return "CONNECT_RESP"
	case FrameOff:
		return "OFF"
	case FramePeerOff:
		return "PEER_OFF"
	default:
		return "UNKNOWN"
	}
}

// frameHeaderLen is the fixed 29-byte header length (spec §6.1).
const frameHeaderLen = 29

// Frame is the fixed-layout unit of the wire transport (spec §3.1).
type Frame struct {
	ConnectionID     uint64
	DataID           uint64
	Total            uint32
	Type             FrameType
	Sequence         uint32
	FrameTotalLength uint32
	Payload          []byte
	RemoteAddress    net.Addr // in-memory only, filled on receive
}

// reset clears every field so a pooled Frame can be safely reused. Payload
// capacity is retained but its length is truncated to zero.
func (f *Frame) reset() {
	f.ConnectionID = 0
	f.DataID = 0
	f.Total = 0
	f.Type = 0
	f.Sequence = 0
	f.FrameTotalLength = 0
	f.Payload = f.Payload[:0]
	f.RemoteAddress = nil
}

// encode writes f's wire representation: six big-endian header fields
// followed by the payload (spec §6.1).
func (f *Frame) encode() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint64(buf[0:8], f.ConnectionID)
	binary.BigEndian.PutUint64(buf[8:16], f.DataID)
	binary.BigEndian.PutUint32(buf[16:20], f.Total)
	buf[20] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[21:25], f.Sequence)
	binary.BigEndian.PutUint32(buf[25:29], f.FrameTotalLength)
	copy(buf[29:], f.Payload)
	return buf
}

// decodeFrame parses raw bytes into a pooled Frame, stamping remoteAddress.
// It returns ErrMalformedFrame if the bytes do not form a well-formed frame
// per the invariants in spec §3.1. On failure the borrowed frame is
// returned to the pool before decodeFrame returns.
func decodeFrame(b []byte, remote net.Addr) (*Frame, error) {
	if len(b) < frameHeaderLen {
		return nil, ErrMalformedFrame
	}
	frameTotalLength := binary.BigEndian.Uint32(b[25:29])
	if frameTotalLength < frameHeaderLen || int(frameTotalLength) != len(b) {
		return nil, ErrMalformedFrame
	}

	f := acquireFrame()
	f.ConnectionID = binary.BigEndian.Uint64(b[0:8])
	f.DataID = binary.BigEndian.Uint64(b[8:16])
	f.Total = binary.BigEndian.Uint32(b[16:20])
	f.Type = FrameType(b[20])
	f.Sequence = binary.BigEndian.Uint32(b[21:25])
	f.FrameTotalLength = frameTotalLength

	if f.Total == 0 || f.Sequence >= f.Total {
		releaseFrame(f)
		return nil, ErrMalformedFrame
	}

	payloadLen := int(frameTotalLength) - frameHeaderLen
	if cap(f.Payload) < payloadLen {
		f.Payload = make([]byte, payloadLen)
	} else {
		f.Payload = f.Payload[:payloadLen]
	}
	copy(f.Payload, b[frameHeaderLen:])
	f.RemoteAddress = remote
	return f, nil
}

// newAckFrame builds a control frame carrying total=1, sequence=0, matching
// the ACK-frame convention of spec §3.1 (DATA_ACK overrides sequence to
// echo the acknowledged fragment).
func newAckFrame(typ FrameType, connID, dataID uint64, payload []byte) *Frame {
	f := acquireFrame()
	f.ConnectionID = connID
	f.DataID = dataID
	f.Total = 1
	f.Type = typ
	f.Sequence = 0
	f.Payload = append(f.Payload[:0], payload...)
	f.FrameTotalLength = uint32(frameHeaderLen + len(f.Payload))
	return f
}
