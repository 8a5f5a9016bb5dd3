package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/node"
)

var (
	autoAccept bool
	outputDir  string
	receiveOne bool
)

// receiveCmd waits for peers to send files.
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Wait for files from peers",
	Long: `Stays online under this client's peer identity, asks before accepting each
connection request (unless --auto-accept is set) and saves every received file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		printProgress(n)
		fmt.Println("Waiting for files. Press CTRL+C to exit.")

		in := bufio.NewReader(os.Stdin)
		opts := node.ReceiveOptions{
			AutoAccept: autoAccept,
			OutputDir:  outputDir,
			Once:       receiveOne,
			Accept: func(req common.ConnectionRequest) bool {
				return confirm(in, req)
			},
			OnSaved: func(path string, received common.ReceivedFile) {
				fmt.Printf("\nReceived %s (%d bytes), saved to %s\n", received.Name, received.Size, path)
			},
		}

		err = n.Receive(context.Background(), opts)
		if errors.Is(err, node.ErrNodeStopped) {
			return nil
		}
		if err != nil {
			logger.Error("Receive failed", zap.Error(err))
		}
		return err
	},
}

func init() {
	receiveCmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every connection request")
	receiveCmd.Flags().StringVar(&outputDir, "out", "", "directory to save received files (default <storage-dir>/downloads)")
	receiveCmd.Flags().BoolVar(&receiveOne, "once", false, "exit after the first received file")
	rootCmd.AddCommand(receiveCmd)
}

func confirm(in *bufio.Reader, req common.ConnectionRequest) bool {
	who := req.Sender.String()
	if req.SenderName != "" {
		who = fmt.Sprintf("%s (%s)", req.SenderName, req.Sender)
	}
	fmt.Printf("\n%s wants to send you a file. Accept? [y/N] ", who)

	answer, err := in.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
