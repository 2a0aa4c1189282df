package core

import (
	"crypto/ed25519"
	"testing"
)

func TestHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	var nodeID [32]byte
	copy(nodeID[:], pub)

	_, ephPub, err := ephemeralX25519Keypair()
	if err != nil {
		t.Fatalf("ephemeralX25519Keypair: %v", err)
	}

	hs, err := buildHandshake(nodeID, priv, ephPub)
	if err != nil {
		t.Fatalf("buildHandshake: %v", err)
	}

	wire := hs.encode()
	got, err := decodeHandshake(wire)
	if err != nil {
		t.Fatalf("decodeHandshake: %v", err)
	}
	if got.NetworkMagic != networkMagic || got.NodeID != nodeID || got.SharedSecret != ephPub {
		t.Fatalf("handshake fields did not round trip: %+v", got)
	}

	if err := verifyHandshake(got); err != nil {
		t.Fatalf("expected a correctly signed handshake to verify, got %v", err)
	}
}

func TestVerifyHandshakeRejectsBadSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	var nodeID [32]byte
	copy(nodeID[:], pub)
	_, ephPub, _ := ephemeralX25519Keypair()

	hs, _ := buildHandshake(nodeID, priv, ephPub)
	hs.Signature[0] ^= 0xff

	if err := verifyHandshake(hs); err != ErrHandshakeRejected {
		t.Fatalf("expected ErrHandshakeRejected for a corrupted signature, got %v", err)
	}
}

func TestVerifyHandshakeRejectsWrongMagic(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	var nodeID [32]byte
	copy(nodeID[:], pub)
	_, ephPub, _ := ephemeralX25519Keypair()

	hs, _ := buildHandshake(nodeID, priv, ephPub)
	hs.NetworkMagic = 0xdeadbeef

	if err := verifyHandshake(hs); err != ErrHandshakeRejected {
		t.Fatalf("expected ErrHandshakeRejected for a wrong network magic, got %v", err)
	}
}

func TestX25519SharedSecretAgreement(t *testing.T) {
	aPriv, aPub, err := ephemeralX25519Keypair()
	if err != nil {
		t.Fatalf("ephemeralX25519Keypair (a): %v", err)
	}
	bPriv, bPub, err := ephemeralX25519Keypair()
	if err != nil {
		t.Fatalf("ephemeralX25519Keypair (b): %v", err)
	}

	aShared, err := x25519SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("x25519SharedSecret (a side): %v", err)
	}
	bShared, err := x25519SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("x25519SharedSecret (b side): %v", err)
	}
	if aShared != bShared {
		t.Fatalf("both sides must derive the same shared secret")
	}
}
