package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/node"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd is the base command for the furyshare CLI.
var rootCmd = &cobra.Command{
	Use:   "furyshare",
	Short: "furyshare - peer-to-peer file transfer over WebRTC",
	Long: `furyshare sends files directly between two peers over a WebRTC data channel.
A signaling relay introduces the peers; file data never passes through it.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")
	rootCmd.PersistentFlags().String("signaling-url", "", "signaling relay base URL")
	rootCmd.PersistentFlags().String("storage-dir", "", "directory holding the peer identity")
	rootCmd.PersistentFlags().String("name", "", "display name sent with connection requests")

	viper.BindPFlag("signaling.url", rootCmd.PersistentFlags().Lookup("signaling-url"))
	viper.BindPFlag("storage.base_dir", rootCmd.PersistentFlags().Lookup("storage-dir"))
	viper.BindPFlag("session.name", rootCmd.PersistentFlags().Lookup("name"))
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config") // config file name (without extension)
		viper.SetConfigType("yaml")   // config file type
		viper.AddConfigPath(".")      // look for the config in the current directory
	}

	viper.SetEnvPrefix("FURYSHARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	node.SetDefaults(viper.GetViper())
	viper.SetDefault("relay.address", ":8080")
	viper.SetDefault("api.port", 8081)

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Failed to read config file:", err)
			os.Exit(1)
		}
		if debug {
			fmt.Fprintln(os.Stderr, "No config file found, using defaults.")
		}
	}
}

// newLogger builds the production logger, or a development one with --debug
func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
