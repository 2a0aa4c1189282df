package core

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"strconv"
	"testing"
	"time"
)

func newTestNode(t *testing.T, listenAddr string) (*Node, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	var nodeID [32]byte
	copy(nodeID[:], pub)

	n, err := NewNode(Config{ListenAddr: listenAddr, NodeID: nodeID, LongTermKey: priv})
	if err != nil {
		t.Fatalf("NewNode(%s): %v", listenAddr, err)
	}
	n.Start()
	t.Cleanup(n.Shutdown)
	return n, priv
}

// TestEndToEndHandshakeAndRequestResponse exercises spec §4.5/§4.6's primary
// path on real loopback sockets: dial, mutual handshake, then a
// request/response round trip whose payload is AES-GCM encrypted under the
// derived shared secret.
func TestEndToEndHandshakeAndRequestResponse(t *testing.T) {
	server, _ := newTestNode(t, "127.0.0.1:0")
	client, _ := newTestNode(t, "127.0.0.1:0")

	server.Dispatcher().RegisterResult(TxV1, func(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error) {
		out := append([]byte("echo:"), msg.Payload...)
		return out, nil
	})

	addr := FormatPeerMultiaddr("ip4", "127.0.0.1", udpPort(t, server), server.cfg.NodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.State() != ConnActive {
		t.Fatalf("expected ACTIVE state after handshake, got %v", conn.State())
	}
	if _, has := conn.encryptionKey(); !has {
		t.Fatalf("expected a shared secret to be installed after handshake")
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	resp, err := client.SendRequest(reqCtx, conn, TxV1, []byte("hello"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !bytes.Equal(resp, []byte("echo:hello")) {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestSendNormalDoesNotBlockOnResponse(t *testing.T) {
	server, _ := newTestNode(t, "127.0.0.1:0")
	client, _ := newTestNode(t, "127.0.0.1:0")

	received := make(chan []byte, 1)
	server.Dispatcher().RegisterVoid(ZeroV1, func(ctx context.Context, from *Connection, msg *P2PMessage) {
		received <- msg.Payload
	})

	addr := FormatPeerMultiaddr("ip4", "127.0.0.1", udpPort(t, server), server.cfg.NodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := client.SendNormal(ctx, conn, ZeroV1, []byte("fire-and-forget")); err != nil {
		t.Fatalf("SendNormal: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte("fire-and-forget")) {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the normal message")
	}
}

func udpPort(t *testing.T, n *Node) string {
	t.Helper()
	addr, ok := n.udp.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("expected *net.UDPAddr, got %T", n.udp.LocalAddr())
	}
	return strconv.Itoa(addr.Port)
}
