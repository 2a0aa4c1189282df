package core

import (
	"net"
	"testing"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001}
	f := acquireFrame()
	f.ConnectionID = 42
	f.DataID = 99
	f.Total = 3
	f.Type = FrameData
	f.Sequence = 1
	f.Payload = append(f.Payload[:0], []byte("hello")...)
	f.FrameTotalLength = uint32(frameHeaderLen + len(f.Payload))

	wire := f.encode()
	releaseFrame(f)

	got, err := decodeFrame(wire, remote)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	defer releaseFrame(got)

	if got.ConnectionID != 42 || got.DataID != 99 || got.Total != 3 || got.Sequence != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if got.RemoteAddress != remote {
		t.Fatalf("remote address not stamped")
	}
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	if _, err := decodeFrame(make([]byte, frameHeaderLen-1), nil); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	f := newAckFrame(FramePing, 1, 0, nil)
	wire := f.encode()
	releaseFrame(f)
	wire = append(wire, 0xff) // declared length no longer matches buffer length
	if _, err := decodeFrame(wire, nil); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeFrameRejectsSequenceBeyondTotal(t *testing.T) {
	f := acquireFrame()
	f.Total = 2
	f.Sequence = 2 // out of range: valid sequences are 0..total-1
	f.FrameTotalLength = frameHeaderLen
	wire := f.encode()
	releaseFrame(f)
	if _, err := decodeFrame(wire, nil); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestNewAckFrameDefaults(t *testing.T) {
	f := newAckFrame(FrameAllAck, 7, 11, []byte{0x01, 0x02})
	defer releaseFrame(f)
	if f.Total != 1 || f.Sequence != 0 || f.Type != FrameAllAck {
		t.Fatalf("unexpected ack frame shape: %+v", f)
	}
	if f.FrameTotalLength != uint32(frameHeaderLen+2) {
		t.Fatalf("unexpected frame total length: %d", f.FrameTotalLength)
	}
}

func TestFrameTypeString(t *testing.T) {
	cases := map[FrameType]string{
		FrameData:        "DATA",
		FrameDataAck:     "DATA_ACK",
		FrameAllAck:      "ALL_ACK",
		FrameBatchAck:    "BATCH_ACK",
		FramePing:        "PING",
		FramePong:        "PONG",
		FrameConnectReq:  "CONNECT_REQ",
		FrameConnectResp: "CONNECT_RESP",
		FrameOff:         "OFF",
		FramePeerOff:     "PEER_OFF",
		FrameType(99):    "UNKNOWN",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("FrameType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
