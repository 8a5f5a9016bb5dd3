package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/furyshare/common"
	"github.com/TFMV/furyshare/file"
	"github.com/TFMV/furyshare/session"
)

// ErrNodeStopped is returned by flows interrupted by Stop
var ErrNodeStopped = errors.New("node stopped")

// DefaultLinger is how long SendFile waits for the receiver to hang up
const DefaultLinger = 10 * time.Second

// SendFile connects to remote, streams the file at path and returns once the
// transfer is complete. After the last frame it waits up to linger for the
// receiver to close the channel before disconnecting itself.
func (n *Node) SendFile(ctx context.Context, remote common.PeerID, path string, linger time.Duration) error {
	src, err := file.OpenSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	notices, cancel := n.Subscribe()
	defer cancel()

	ctrl := n.controller
	if err := ctrl.SelectFile(&src.OutboundFile); err != nil {
		return err
	}
	if err := ctrl.InitiateConnection(remote); err != nil {
		return err
	}

	n.logger.Info("Waiting for peer to accept", zap.String("remote", remote.String()))
	err = n.await(ctx, notices, remote, func(notice session.Notice) (bool, error) {
		switch notice.Kind {
		case session.NoticeConnected:
			return true, nil
		case session.NoticeRejected, session.NoticeTimeout, session.NoticePeerUnavailable,
			session.NoticeNegotiationFailed, session.NoticeDisconnected:
			return true, noticeError(notice)
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	if err := ctrl.SendFile(ctx); err != nil {
		return err
	}
	err = n.await(ctx, notices, remote, func(notice session.Notice) (bool, error) {
		switch notice.Kind {
		case session.NoticeTransferComplete:
			return true, nil
		case session.NoticeTransferFailed, session.NoticeTransferCancelled,
			session.NoticeDisconnected, session.NoticeNegotiationFailed:
			return true, noticeError(notice)
		}
		return false, nil
	})
	if err != nil {
		ctrl.CancelFileTransfer()
		return err
	}

	n.logger.Info("File sent",
		zap.String("remote", remote.String()),
		zap.String("file_name", src.Name),
		zap.Int64("file_size", src.Size))

	if linger <= 0 {
		linger = DefaultLinger
	}
	lingerCtx, stop := context.WithTimeout(ctx, linger)
	defer stop()
	n.await(lingerCtx, notices, remote, func(notice session.Notice) (bool, error) {
		return notice.Kind == session.NoticeDisconnected, nil
	})

	return ctrl.Disconnect()
}

// ReceiveOptions controls Receive
type ReceiveOptions struct {
	// AutoAccept accepts every connection request
	AutoAccept bool

	// Accept decides requests when AutoAccept is off. Requests are rejected when nil.
	Accept func(req common.ConnectionRequest) bool

	// OutputDir is where received files are saved; empty means the downloads directory
	OutputDir string

	// Once returns after the first file is saved. The channel stays open for the sender to close.
	Once bool

	// OnSaved is called for every saved file
	OnSaved func(path string, received common.ReceivedFile)
}

// Receive answers connection requests and saves every received file until
// ctx ends, the node stops, or the first file is saved when opts.Once is set.
func (n *Node) Receive(ctx context.Context, opts ReceiveOptions) error {
	notices, cancel := n.Subscribe()
	defer cancel()

	ctrl := n.controller
	return n.await(ctx, notices, "", func(notice session.Notice) (bool, error) {
		switch notice.Kind {
		case session.NoticeConnectionRequest:
			req := *notice.Request
			if opts.AutoAccept || (opts.Accept != nil && opts.Accept(req)) {
				if err := ctrl.AcceptConnectionRequest(req.Sender); err != nil {
					n.logger.Warn("Failed to accept connection request",
						zap.String("sender", req.Sender.String()), zap.Error(err))
				}
				return false, nil
			}
			if err := ctrl.RejectConnectionRequest(req.Sender); err != nil {
				n.logger.Warn("Failed to reject connection request",
					zap.String("sender", req.Sender.String()), zap.Error(err))
			}

		case session.NoticeFileReceived:
			path, err := n.SaveReceived(opts.OutputDir)
			if err != nil {
				return true, err
			}
			if opts.OnSaved != nil {
				opts.OnSaved(path, *notice.File)
			}
			if opts.Once {
				return true, nil
			}
		}
		return false, nil
	})
}

// await feeds notices about peer (any peer when empty) to f until f reports done
func (n *Node) await(ctx context.Context, notices <-chan session.Notice, peer common.PeerID, f func(session.Notice) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return ErrNodeStopped
		case notice, ok := <-notices:
			if !ok {
				return ErrNodeStopped
			}
			if peer != "" && notice.Peer != peer {
				continue
			}
			if done, err := f(notice); done {
				return err
			}
		}
	}
}

func noticeError(notice session.Notice) error {
	if notice.Err != nil {
		return notice.Err
	}
	return errors.New(notice.Message)
}
