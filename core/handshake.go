package core

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
	"google.golang.org/protobuf/encoding/protowire"
)

// networkMagic identifies this deployment's network; handshakes carrying a
// different magic are rejected (spec §4.5).
const networkMagic uint32 = 0x53594e4e // "SYNN"

const nodeVersion = "synnergy-transport/1.0.0"

// NetworkHandshake carries the fields exchanged during X25519 key agreement
// (spec §3.5). sharedSecret holds the sender's ephemeral X25519 public key
// during the exchange (it is not yet a shared secret until both sides have
// each other's ephemeral key).
type NetworkHandshake struct {
	NetworkMagic uint32
	NodeID       [32]byte
	NonceID      timeID128
	NodeVersion  string
	SharedSecret [32]byte // ephemeral X25519 public key
	Signature    []byte   // Ed25519 signature over fields 1-5's canonical encoding
}

const (
	hsFieldMagic   = protowire.Number(1)
	hsFieldNodeID  = protowire.Number(2)
	hsFieldNonce   = protowire.Number(3)
	hsFieldVersion = protowire.Number(4)
	hsFieldShared  = protowire.Number(5)
	hsFieldSig     = protowire.Number(6)
)

// canonicalEncoding renders fields 1-5 (everything but the signature) in a
// fixed order for signing/verification (spec §3.5, §4.5).
func (h *NetworkHandshake) canonicalEncoding() []byte {
	var b []byte
	b = protowire.AppendTag(b, hsFieldMagic, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.NetworkMagic))
	b = protowire.AppendTag(b, hsFieldNodeID, protowire.BytesType)
	b = protowire.AppendBytes(b, h.NodeID[:])
	b = protowire.AppendTag(b, hsFieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, h.NonceID[:])
	b = protowire.AppendTag(b, hsFieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, h.NodeVersion)
	b = protowire.AppendTag(b, hsFieldShared, protowire.BytesType)
	b = protowire.AppendBytes(b, h.SharedSecret[:])
	return b
}

// encode renders the full handshake record, signature included.
func (h *NetworkHandshake) encode() []byte {
	b := h.canonicalEncoding()
	b = protowire.AppendTag(b, hsFieldSig, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Signature)
	return b
}

// decodeHandshake parses bytes produced by encode.
func decodeHandshake(b []byte) (*NetworkHandshake, error) {
	h := &NetworkHandshake{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformedMessage
		}
		b = b[n:]
		switch num {
		case hsFieldMagic:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			h.NetworkMagic = uint32(v)
			b = b[n:]
		case hsFieldNodeID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 32 {
				return nil, ErrMalformedMessage
			}
			copy(h.NodeID[:], v)
			b = b[n:]
		case hsFieldNonce:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 16 {
				return nil, ErrMalformedMessage
			}
			copy(h.NonceID[:], v)
			b = b[n:]
		case hsFieldVersion:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			h.NodeVersion = v
			b = b[n:]
		case hsFieldShared:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 32 {
				return nil, ErrMalformedMessage
			}
			copy(h.SharedSecret[:], v)
			b = b[n:]
		case hsFieldSig:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			h.Signature = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrMalformedMessage
			}
			b = b[n:]
		}
	}
	return h, nil
}

// ephemeralX25519Keypair generates a fresh X25519 keypair for one handshake
// exchange (spec §4.5).
func ephemeralX25519Keypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	// clamp per RFC 7748
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// x25519SharedSecret computes the X25519 shared secret from this side's
// ephemeral private scalar and the peer's ephemeral public key.
func x25519SharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	s, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], s)
	return out, nil
}

// buildHandshake constructs and signs a NetworkHandshake on behalf of a
// node identified by (nodeID, longTermPriv), offering ephemeralPub as its
// X25519 contribution (spec §4.5: "a conforming implementation MUST sign").
func buildHandshake(nodeID [32]byte, longTermPriv ed25519.PrivateKey, ephemeralPub [32]byte) (*NetworkHandshake, error) {
	nonce, err := newTimeID128()
	if err != nil {
		return nil, err
	}
	h := &NetworkHandshake{
		NetworkMagic: networkMagic,
		NodeID:       nodeID,
		NonceID:      nonce,
		NodeVersion:  nodeVersion,
		SharedSecret: ephemeralPub,
	}
	h.Signature = ed25519.Sign(longTermPriv, h.canonicalEncoding())
	return h, nil
}

// verifyHandshake validates the network magic, the presence of a node
// version, and the Ed25519 signature against the declared nodeId (spec
// §4.5). The version check only rejects an empty version string; the
// version value itself is not compared against this node's. A handshake
// that fails any check yields ErrHandshakeRejected.
func verifyHandshake(h *NetworkHandshake) error {
	if h.NetworkMagic != networkMagic {
		Metrics().handshakeRejects.Inc()
		return ErrHandshakeRejected
	}
	if h.NodeVersion == "" {
		Metrics().handshakeRejects.Inc()
		return ErrHandshakeRejected
	}
	if !ed25519.Verify(h.NodeID[:], h.canonicalEncoding(), h.Signature) {
		Metrics().handshakeRejects.Inc()
		return ErrHandshakeRejected
	}
	return nil
}
