package node

import (
	"github.com/spf13/viper"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/negotiation"
	"github.com/TFMV/furyshare/session"
	"github.com/TFMV/furyshare/signaling"
	"github.com/TFMV/furyshare/transfer"
)

// Config contains configuration for a client node
type Config struct {
	Signaling signaling.Config
	WebRTC    negotiation.WebRTCConfig
	Session   session.Config
	Storage   file.StorageConfig

	// PeerID overrides the persisted identity when set
	PeerID common.PeerID

	// Name is shown to peers with connection requests
	Name string
}

// DefaultConfig returns the default node configuration
func DefaultConfig() Config {
	return Config{
		Signaling: signaling.DefaultConfig(),
		WebRTC:    negotiation.DefaultWebRTCConfig(),
		Session:   session.DefaultConfig(),
	}
}

// SetDefaults registers the default value of every node key on v
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.reconnect_delay", d.Signaling.ReconnectDelay)
	v.SetDefault("signaling.ping_interval", d.Signaling.PingInterval)
	v.SetDefault("signaling.write_timeout", d.Signaling.WriteTimeout)

	v.SetDefault("webrtc.stun_servers", d.WebRTC.STUNServers)
	v.SetDefault("webrtc.turn_servers", []string{})
	v.SetDefault("webrtc.username", "")
	v.SetDefault("webrtc.credential", "")

	v.SetDefault("session.acceptance_timeout", d.Session.AcceptanceTimeout)
	v.SetDefault("session.connect_timeout", d.Session.ConnectTimeout)
	v.SetDefault("session.name", "")

	v.SetDefault("transfer.chunk_size", d.Session.Transfer.ChunkSize)
	v.SetDefault("transfer.buffer_high_water", d.Session.Transfer.HighWater)
	v.SetDefault("transfer.buffer_low_water", d.Session.Transfer.LowWater)
	v.SetDefault("transfer.max_file_size", d.Session.MaxFileSize)

	v.SetDefault("storage.base_dir", "~/.furyshare")
	v.SetDefault("peer.id", "")
}

// ConfigFromViper builds a node configuration from v. Unset keys fall back
// to DefaultConfig.
func ConfigFromViper(v *viper.Viper) Config {
	SetDefaults(v)
	config := DefaultConfig()

	config.Signaling.URL = v.GetString("signaling.url")
	config.Signaling.ReconnectDelay = v.GetDuration("signaling.reconnect_delay")
	config.Signaling.PingInterval = v.GetDuration("signaling.ping_interval")
	config.Signaling.WriteTimeout = v.GetDuration("signaling.write_timeout")

	config.WebRTC = negotiation.WebRTCConfig{
		STUNServers: v.GetStringSlice("webrtc.stun_servers"),
		TURNServers: v.GetStringSlice("webrtc.turn_servers"),
		Username:    v.GetString("webrtc.username"),
		Credential:  v.GetString("webrtc.credential"),
	}

	config.Session.AcceptanceTimeout = v.GetDuration("session.acceptance_timeout")
	config.Session.ConnectTimeout = v.GetDuration("session.connect_timeout")
	config.Session.MaxFileSize = v.GetInt64("transfer.max_file_size")
	config.Session.Transfer.ChunkSize = v.GetInt("transfer.chunk_size")
	config.Session.Transfer.HighWater = v.GetUint64("transfer.buffer_high_water")
	config.Session.Transfer.LowWater = v.GetUint64("transfer.buffer_low_water")

	if config.Session.Transfer.ChunkSize <= 0 || config.Session.Transfer.ChunkSize > transfer.ChunkSize {
		config.Session.Transfer.ChunkSize = transfer.ChunkSize
	}

	config.Storage = file.StorageConfig{BaseDir: v.GetString("storage.base_dir")}
	config.PeerID = common.PeerID(v.GetString("peer.id"))
	config.Name = v.GetString("session.name")

	return config
}
