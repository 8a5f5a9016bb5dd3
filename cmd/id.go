package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/furyshare/file"
)

// idCmd prints the persisted peer identity.
var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this client's peer identity",
	Long:  `Prints the identity other peers use to send files to this client, generating it on first use.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if id := viper.GetString("peer.id"); id != "" {
			fmt.Println(id)
			return nil
		}

		storage, err := file.NewStorageManager(logger, file.StorageConfig{
			BaseDir: viper.GetString("storage.base_dir"),
		})
		if err != nil {
			return err
		}

		identity, err := storage.LoadOrCreateIdentity(viper.GetString("session.name"))
		if err != nil {
			return err
		}

		fmt.Println(identity.PeerID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
