package core

import (
	"bytes"
	"testing"
)

func TestP2PMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := newRequest([32]byte{1, 2, 3}, TxV1, []byte("payload"))
	if err != nil {
		t.Fatalf("newRequest: %v", err)
	}

	wire := msg.encode()
	got, err := decodeP2PMessage(wire)
	if err != nil {
		t.Fatalf("decodeP2PMessage: %v", err)
	}

	if got.SenderID != msg.SenderID || got.MessageID != msg.MessageID || got.RequestID != msg.RequestID {
		t.Fatalf("id fields did not round trip")
	}
	if got.Type != TxV1 || got.Version != 1 || got.Length != uint32(len("payload")) {
		t.Fatalf("scalar fields did not round trip: %+v", got)
	}
	if !bytes.Equal(got.Payload, []byte("payload")) {
		t.Fatalf("payload did not round trip: %q", got.Payload)
	}
	if !got.isRequest() {
		t.Fatalf("expected decoded message to classify as a request")
	}
}

func TestP2PMessageRequestResponseNormalClassification(t *testing.T) {
	req, _ := newRequest([32]byte{}, TxV1, nil)
	if !req.isRequest() || req.isResponse() || req.isNormal() {
		t.Fatalf("request classified incorrectly: %+v", req)
	}

	resp, _ := newResponse([32]byte{}, TxV1, req.RequestID, nil)
	if !resp.isResponse() || resp.isRequest() || resp.isNormal() {
		t.Fatalf("response classified incorrectly: %+v", resp)
	}
	if resp.RequestID != req.RequestID {
		t.Fatalf("response requestId must match the original request's")
	}

	norm, _ := newNormal([32]byte{}, HeartbeatV1, nil)
	if !norm.isNormal() || norm.isRequest() || norm.isResponse() {
		t.Fatalf("normal message classified incorrectly: %+v", norm)
	}
}

func TestDecodeP2PMessageRejectsLengthMismatch(t *testing.T) {
	msg, _ := newNormal([32]byte{}, TxV1, []byte("abc"))
	wire := msg.encode()
	msg.Length = 99 // forge a mismatched declared length
	forged := msg.encode()
	if bytes.Equal(wire, forged) {
		t.Fatalf("test setup broken: forged encoding equals original")
	}
	if _, err := decodeP2PMessage(forged); err != ErrMalformedMessage {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecodeP2PMessageRejectsUnknownProtocol(t *testing.T) {
	msg, _ := newNormal([32]byte{}, ProtocolCode(0xffff), nil)
	wire := msg.encode()
	if _, err := decodeP2PMessage(wire); err != ErrUnknownProtocol {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("shared-secret-material-32-bytes"))
	key, err := deriveAESKey(secret)
	if err != nil {
		t.Fatalf("deriveAESKey: %v", err)
	}

	plaintext := []byte("confidential application payload")
	ct, err := encryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("encryptPayload: %v", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	pt, err := decryptPayload(key, ct)
	if err != nil {
		t.Fatalf("decryptPayload: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("plaintext did not round trip: %q", pt)
	}
}

func TestDecryptPayloadRejectsTamperedCiphertext(t *testing.T) {
	var secret [32]byte
	key, _ := deriveAESKey(secret)
	ct, _ := encryptPayload(key, []byte("message"))
	ct[len(ct)-1] ^= 0xff
	if _, err := decryptPayload(key, ct); err == nil {
		t.Fatalf("expected AEAD authentication failure on tampered ciphertext")
	}
}
