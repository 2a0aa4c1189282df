package core

// P2PMessage is the versioned application message envelope that rides atop
// the reliable transport (spec §3.4). senderId and messageId/requestId are
// fixed-width; payload may be AES-GCM ciphertext once a connection's
// handshake has installed a shared secret (spec §4.6).
type P2PMessage struct {
	SenderID   [32]byte
	MessageID  timeID128
	RequestID  timeID128
	ReqResFlag uint8 // 0 = request, 1 = response
	Type       ProtocolCode
	Length     uint32
	Version    uint16
	Payload    []byte
}

// newRequest builds a request-mode message: requestId == messageId,
// reqResFlag == 0 (spec §4.6).
func newRequest(sender [32]byte, protocol ProtocolCode, payload []byte) (*P2PMessage, error) {
	id, err := newTimeID128()
	if err != nil {
		return nil, err
	}
	return &P2PMessage{
		SenderID:   sender,
		MessageID:  id,
		RequestID:  id,
		ReqResFlag: 0,
		Type:       protocol,
		Length:     uint32(len(payload)),
		Version:    1,
		Payload:    payload,
	}, nil
}

// newResponse builds a response-mode message paired to origRequestID: fresh
// messageId, requestId == origRequestID, reqResFlag == 1 (spec §4.6).
func newResponse(sender [32]byte, protocol ProtocolCode, origRequestID timeID128, payload []byte) (*P2PMessage, error) {
	id, err := newTimeID128()
	if err != nil {
		return nil, err
	}
	return &P2PMessage{
		SenderID:   sender,
		MessageID:  id,
		RequestID:  origRequestID,
		ReqResFlag: 1,
		Type:       protocol,
		Length:     uint32(len(payload)),
		Version:    1,
		Payload:    payload,
	}, nil
}

// newNormal builds a message that is neither a request nor a response:
// requestId is all-zero, reqResFlag == 0 (spec §4.6).
func newNormal(sender [32]byte, protocol ProtocolCode, payload []byte) (*P2PMessage, error) {
	id, err := newTimeID128()
	if err != nil {
		return nil, err
	}
	return &P2PMessage{
		SenderID:   sender,
		MessageID:  id,
		RequestID:  zeroID128,
		ReqResFlag: 0,
		Type:       protocol,
		Length:     uint32(len(payload)),
		Version:    1,
		Payload:    payload,
	}, nil
}

// isRequest/isResponse/isNormal classify a decoded message by the
// requestId/reqResFlag combination (spec §3.4 invariants).
func (m *P2PMessage) isRequest() bool  { return !m.RequestID.isZero() && m.ReqResFlag == 0 }
func (m *P2PMessage) isResponse() bool { return !m.RequestID.isZero() && m.ReqResFlag == 1 }
func (m *P2PMessage) isNormal() bool   { return m.RequestID.isZero() }

// validate enforces the receive-time checks of spec §4.6: version bounds,
// declared length matching the actual payload, and a recognized protocol
// code. senderId/messageId/requestId width is guaranteed by the Go type
// system (fixed-size arrays), so those checks are implicit.
func (m *P2PMessage) validate() error {
	if m.Version < 1 || m.Version > 0x7fff {
		return ErrMalformedMessage
	}
	if int(m.Length) != len(m.Payload) {
		return ErrMalformedMessage
	}
	if _, ok := lookupProtocol(m.Type); !ok {
		return ErrUnknownProtocol
	}
	return nil
}
