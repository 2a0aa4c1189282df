package core

// ProtocolCode discriminates the closed set of application protocols
// carried in a P2PMessage's type field (spec §6.3).
type ProtocolCode uint32

const (
	HeartbeatV1         ProtocolCode = 0
	BlockV1             ProtocolCode = 1
	TxV1                ProtocolCode = 2
	ChainV1             ProtocolCode = 3
	TextV1              ProtocolCode = 4
	NetworkHandshakeV1  ProtocolCode = 5
	ZeroV1              ProtocolCode = 6
)

// protocolInfo describes one member of the closed protocol set: its path
// label and whether dispatch expects a response.
type protocolInfo struct {
	Code        ProtocolCode
	Path        string
	HasResponse bool
}

var protocolRegistry = map[ProtocolCode]protocolInfo{
	HeartbeatV1:        {HeartbeatV1, "/heartbeat/1.0.0", false},
	BlockV1:            {BlockV1, "/block/1.0.0", true},
	TxV1:               {TxV1, "/tx/1.0.0", true},
	ChainV1:            {ChainV1, "/chain/1.0.0", true},
	TextV1:             {TextV1, "/text/1.0.0", true},
	NetworkHandshakeV1: {NetworkHandshakeV1, "/network_handshake/1.0.0", true},
	ZeroV1:             {ZeroV1, "/zero/1.0.0", false},
}

// lookupProtocol returns the closed-set descriptor for code, or false if
// code is not a recognized protocol (spec §6.3: unknown codes are errors at
// dispatch time and unclassified payloads at routing time).
func lookupProtocol(code ProtocolCode) (protocolInfo, bool) {
	info, ok := protocolRegistry[code]
	return info, ok
}
