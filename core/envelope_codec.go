package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// Canonical field numbers for the P2PMessage schema documented in
// core/envelope.proto. Encoding uses google.golang.org/protobuf's wire
// helpers directly (protowire) rather than a generated .pb.go, since no
// protoc run is available in this environment; the field numbers and
// length-delimited/varint conventions below are exactly what protoc-gen-go
// would emit for the equivalent .proto message.
const (
	fieldSenderID   = protowire.Number(1)
	fieldMessageID  = protowire.Number(2)
	fieldRequestID  = protowire.Number(3)
	fieldReqResFlag = protowire.Number(4)
	fieldType       = protowire.Number(5)
	fieldLength     = protowire.Number(6)
	fieldVersion    = protowire.Number(7)
	fieldPayload    = protowire.Number(8)
)

// encode renders m's canonical byte layout (spec §4.6).
func (m *P2PMessage) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SenderID[:])
	b = protowire.AppendTag(b, fieldMessageID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.MessageID[:])
	b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RequestID[:])
	b = protowire.AppendTag(b, fieldReqResFlag, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ReqResFlag))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Length))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

// decodeP2PMessage parses bytes encoded by (*P2PMessage).encode, then runs
// receive-time validation (spec §4.6).
func decodeP2PMessage(b []byte) (*P2PMessage, error) {
	m := &P2PMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformedMessage
		}
		b = b[n:]
		switch num {
		case fieldSenderID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 32 {
				return nil, ErrMalformedMessage
			}
			copy(m.SenderID[:], v)
			b = b[n:]
		case fieldMessageID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 16 {
				return nil, ErrMalformedMessage
			}
			copy(m.MessageID[:], v)
			b = b[n:]
		case fieldRequestID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 16 {
				return nil, ErrMalformedMessage
			}
			copy(m.RequestID[:], v)
			b = b[n:]
		case fieldReqResFlag:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			m.ReqResFlag = uint8(v)
			b = b[n:]
		case fieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			m.Type = ProtocolCode(v)
			b = b[n:]
		case fieldLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			m.Length = uint32(v)
			b = b[n:]
		case fieldVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			m.Version = uint16(v)
			b = b[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			b = b[n:]
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// hkdfInfo is the fixed HKDF info label deriving the per-connection AES-GCM
// key from the X25519 shared secret (spec §4.5/§4.6 handshake note).
var hkdfInfo = []byte("synnergy-network/transport/v1/aes-gcm")

// deriveAESKey runs HKDF-SHA-256 over sharedSecret with hkdfInfo, producing
// a 32-byte AES-256 key.
func deriveAESKey(sharedSecret [32]byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, sharedSecret[:], nil, hkdfInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// encryptPayload seals plaintext under key with a fresh random 12-byte
// nonce prepended to the ciphertext (spec §4.6: "After handshake, the
// payload bytes of application protocols ... are encrypted with AES-GCM
// ... the 12-byte nonce is randomly chosen per message and prepended").
func encryptPayload(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptPayload reverses encryptPayload.
func decryptPayload(key [32]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrMalformedMessage
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
