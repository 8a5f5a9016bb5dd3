package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/relay"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the body of every API reply
type Response struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// StatusInfo is returned by /status
type StatusInfo struct {
	Service       string    `json:"service"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Peers         int       `json:"peers"`
}

// PeerDirectory lists the peers currently connected to the relay
type PeerDirectory interface {
	OnlinePeers() []relay.PeerInfo
	Peer(id common.PeerID) (relay.PeerInfo, bool)
}

// Server is the Fiber-based API exposing relay status and metrics
type Server struct {
	logger  *zap.Logger
	app     *fiber.App
	peers   PeerDirectory
	started time.Time
}

// New creates the API server and registers its routes
func New(logger *zap.Logger, peers PeerDirectory) *Server {
	metrics.Register()

	s := &Server{
		logger:  logger,
		peers:   peers,
		started: time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	s.app.Get("/status", s.status)
	s.app.Get("/peers", s.listPeers)
	s.app.Get("/peers/:id", s.getPeer)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return s
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves the API on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	s.logger.Info("Starting furyshare API server", zap.String("address", addr))
	return s.app.Listen(addr)
}

// ListenPort serves the API on all interfaces at port
func (s *Server) ListenPort(port int) error {
	if port == 0 {
		port = 8081
	}
	return s.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(Response{
		Status: StatusSuccess,
		Data: StatusInfo{
			Service:       "furyshare-relay",
			StartedAt:     s.started.UTC(),
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
			Peers:         len(s.peers.OnlinePeers()),
		},
	})
}

func (s *Server) listPeers(c *fiber.Ctx) error {
	return c.JSON(Response{
		Status: StatusSuccess,
		Data:   s.peers.OnlinePeers(),
	})
}

func (s *Server) getPeer(c *fiber.Ctx) error {
	id := c.Params("id")
	info, ok := s.peers.Peer(common.PeerID(id))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "peer "+id+" is not connected")
	}
	return c.JSON(Response{
		Status: StatusSuccess,
		Data:   info,
	})
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("API request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(Response{
		Status:  StatusError,
		Message: err.Error(),
	})
}
