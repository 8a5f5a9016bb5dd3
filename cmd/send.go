package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/node"
)

var (
	sendPeer   string
	sendLinger time.Duration
)

// sendCmd sends one file to a peer.
var sendCmd = &cobra.Command{
	Use:   "send --peer PEER_ID FILE",
	Short: "Send a file to a peer",
	Long: `Asks the peer for consent, opens a data channel once it accepts and streams the file.
The command returns when the file has been delivered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendPeer == "" {
			return fmt.Errorf("--peer is required")
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := startNode(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer n.Stop()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			select {
			case <-n.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		printProgress(n)

		if err := n.SendFile(ctx, common.PeerID(sendPeer), args[0], sendLinger); err != nil {
			logger.Error("Failed to send file", zap.String("peer_id", sendPeer), zap.Error(err))
			return err
		}

		fmt.Printf("\nSent %s to %s\n", args[0], sendPeer)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "identity of the receiving peer")
	sendCmd.Flags().DurationVar(&sendLinger, "linger", node.DefaultLinger, "how long to wait for the receiver to hang up")
	rootCmd.AddCommand(sendCmd)
}

// startNode builds a node from the loaded configuration and waits until the relay is reachable
func startNode(ctx context.Context, logger *zap.Logger) (*node.Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	n, err := node.NewNode(logger, node.ConfigFromViper(viper.GetViper()))
	if err != nil {
		return nil, err
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return nil, err
	}

	fmt.Printf("Your peer id: %s\n", n.ID())

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.WaitOnline(waitCtx); err != nil {
		n.Stop()
		return nil, fmt.Errorf("signaling relay unreachable: %w", err)
	}
	return n, nil
}

// printProgress renders transfer progress on one terminal line
func printProgress(n *node.Node) {
	last := -1
	n.Controller().OnUpdate(func(state common.TransferState) {
		if !state.IsTransferring || state.Progress == last {
			return
		}
		last = state.Progress
		fmt.Printf("\rProgress: %3d%%", state.Progress)
	})
}
