package cli

// Commands registered by RegisterNetwork(root):
//   network start              – boot a transport node
//   network stop                – shut it down
//   network peers                – list installed connections
//   network dial <multiaddr>     – handshake with a peer
//   network send <connId> <protocol> <hex-payload>  – fire a request/response exchange

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"synnergy-network/core"
	pkgconfig "synnergy-network/pkg/config"
)

var (
	netNode      *core.Node
	netKey       ed25519.PrivateKey
	netMu        sync.RWMutex
	netStartTime time.Time
)

func netInit(cmd *cobra.Command, _ []string) error {
	if netNode != nil {
		return nil
	}
	_ = godotenv.Load()

	appCfg, err := pkgconfig.LoadFromEnv()
	if err != nil {
		// No config file on disk (e.g. a bare `.env`-only deployment) is not
		// fatal: fall back to an all-defaults Config. Environment variables
		// are not read into this fallback Config.
		viper.AutomaticEnv()
		appCfg = &pkgconfig.AppConfig
	}
	appCfg.ApplyTransportDefaults()

	lv, err := logrus.ParseLevel(appCfg.Logging.Level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	log := logrus.New()
	log.SetLevel(lv)

	listenAddr := appCfg.Network.ListenAddr
	if listenAddr == "" {
		listenAddr = "0.0.0.0:4001"
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	netKey = priv

	var nodeID [32]byte
	copy(nodeID[:], priv.Public().(ed25519.PublicKey))

	t := appCfg.Transport
	cfg := core.Config{
		ListenAddr:           listenAddr,
		NodeID:               nodeID,
		LongTermKey:          priv,
		MTU:                  t.MaxFramePayload,
		HeartbeatInterval:    time.Duration(t.HeartbeatSeconds) * time.Second,
		ConnectionIdle:       time.Duration(t.ConnectionIdleSeconds) * time.Second,
		StreamIdle:           time.Duration(t.StreamIdleSeconds) * time.Second,
		MaxRetransmit:        t.MaxRetransmit,
		BatchAckEvery:        uint32(t.BatchAckEvery),
		GlobalCapBytes:       int64(t.GlobalCapBytes),
		GlobalTargetBytesSec: int64(t.GlobalTargetBytesPerSec),
		Logger:               log,
	}
	n, err := core.NewNode(cfg)
	if err != nil {
		return err
	}
	netMu.Lock()
	netNode = n
	netMu.Unlock()
	return nil
}

func netStart(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("network: not initialised")
	}
	n.Start()
	netStartTime = time.Now()
	fmt.Fprintf(cmd.OutOrStdout(), "network started on %s\n", n.ListenAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	n.Shutdown()
	netMu.Lock()
	netNode = nil
	netMu.Unlock()
	return nil
}

func netStop(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "network: not running")
		return nil
	}
	n.Shutdown()
	netMu.Lock()
	netNode = nil
	netMu.Unlock()
	fmt.Fprintln(cmd.OutOrStdout(), "network: stopped")
	return nil
}

func netPeers(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("network: not running")
	}
	dir := n.Directory()
	for _, connID := range dir.Keys() {
		c, ok := dir.ByConnID(connID)
		if !ok {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", connID, c.RemoteAddress, c.State())
	}
	return nil
}

func netDial(cmd *cobra.Command, args []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("network: not running")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	c, err := n.Dial(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "connected: conn_id=%d\n", c.ConnectionID)
	return nil
}

func netSend(cmd *cobra.Command, args []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("network: not running")
	}
	connID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("network: bad connection id: %w", err)
	}
	protoCode, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("network: bad protocol code: %w", err)
	}
	payload, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("network: payload must be hex: %w", err)
	}
	c, ok := n.Directory().ByConnID(connID)
	if !ok {
		return fmt.Errorf("network: unknown connection %d", connID)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	resp, err := n.SendRequest(ctx, c, core.ProtocolCode(protoCode), payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", hex.EncodeToString(resp))
	return nil
}

var netRootCmd = &cobra.Command{Use: "network", Short: "P2P transport", PersistentPreRunE: netInit}

var netStartCmd = &cobra.Command{Use: "start", Short: "Start the transport node", Args: cobra.NoArgs, RunE: netStart}
var netStopCmd = &cobra.Command{Use: "stop", Short: "Stop the transport node", Args: cobra.NoArgs, RunE: netStop}
var netPeersCmd = &cobra.Command{Use: "peers", Short: "List installed connections", Args: cobra.NoArgs, RunE: netPeers}
var netDialCmd = &cobra.Command{Use: "dial <multiaddr>", Short: "Handshake with a peer", Args: cobra.ExactArgs(1), RunE: netDial}
var netSendCmd = &cobra.Command{Use: "send <connId> <protocol> <hex-payload>", Short: "Send a request and await the response", Args: cobra.ExactArgs(3), RunE: netSend}

func init() {
	netRootCmd.AddCommand(netStartCmd, netStopCmd, netPeersCmd, netDialCmd, netSendCmd)
}

// NetworkCmd exposes the transport commands.
var NetworkCmd = netRootCmd

// RegisterNetwork adds the networking commands to the root CLI.
func RegisterNetwork(root *cobra.Command) { root.AddCommand(NetworkCmd) }
