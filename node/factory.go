package node

import (
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/negotiation"
)

// NewConnector creates the pion-backed connector used for real peers
func NewConnector(logger *zap.Logger, config negotiation.WebRTCConfig) common.Connector {
	if len(config.STUNServers) == 0 && len(config.TURNServers) == 0 {
		logger.Warn("No ICE servers configured, only host candidates will be gathered")
	}

	logger.Debug("Creating WebRTC connector",
		zap.Strings("stun_servers", config.STUNServers),
		zap.Int("turn_servers", len(config.TURNServers)))

	return negotiation.NewWebRTCConnector(logger, config)
}
