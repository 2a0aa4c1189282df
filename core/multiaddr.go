package core

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerMultiaddr is a parsed /ip4|ip6/.../tcp|udp|quic/.../p2p/<base58> peer
// address (spec §6.5), built on github.com/multiformats/go-multiaddr rather
// than hand-rolled string splitting.
type PeerMultiaddr struct {
	Addr   ma.Multiaddr
	NodeID [32]byte
}

// ParsePeerMultiaddr parses s into host/transport/port components plus a
// base58-decoded 32-byte node identifier. The trailing /p2p/<nodeId>
// component carries a raw Ed25519 public key rather than a libp2p
// peer-id multihash (spec §6.5), so it is split off and base58-decoded
// directly instead of being handed to go-multiaddr's p2p transcoder, which
// expects multihash framing the raw key does not have.
func ParsePeerMultiaddr(s string) (*PeerMultiaddr, error) {
	idx := strings.LastIndex(s, "/p2p/")
	if idx < 0 {
		return nil, fmt.Errorf("multiaddr: missing /p2p/<nodeId> component")
	}
	netPart := s[:idx]
	b58 := s[idx+len("/p2p/"):]

	addr, err := ma.NewMultiaddr(netPart)
	if err != nil {
		return nil, fmt.Errorf("multiaddr: %w", err)
	}

	raw, err := base58.Decode(b58)
	if err != nil {
		return nil, fmt.Errorf("multiaddr: bad base58 node id: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("multiaddr: node id must decode to 32 bytes, got %d", len(raw))
	}

	pm := &PeerMultiaddr{Addr: addr}
	copy(pm.NodeID[:], raw)
	return pm, nil
}

// HostPort returns the "host:port" component of the multiaddress, suitable
// for net.ResolveUDPAddr, plus the transport protocol name (udp/tcp/quic).
func (p *PeerMultiaddr) HostPort() (hostport, transport string, err error) {
	var host string
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := p.Addr.ValueForProtocol(proto); err == nil && v != "" {
			host = v
			break
		}
	}
	var port string
	for _, spec := range []struct {
		code int
		name string
	}{{ma.P_UDP, "udp"}, {ma.P_TCP, "tcp"}, {ma.P_QUIC_V1, "quic"}} {
		if v, err := p.Addr.ValueForProtocol(spec.code); err == nil && v != "" {
			port = v
			transport = spec.name
			break
		}
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("multiaddr: incomplete address %s", p.Addr)
	}
	return host + ":" + port, transport, nil
}

// FormatPeerMultiaddr builds the canonical string form for a UDP listener
// at host:port with the given node id.
func FormatPeerMultiaddr(ipProto, host, port string, nodeID [32]byte) string {
	return fmt.Sprintf("/%s/%s/udp/%s/p2p/%s", ipProto, host, port, base58.Encode(nodeID[:]))
}
