package engine

import (
	"context"

	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// CommandKind identifies a host control command.
type CommandKind string

const (
	CmdShutdown  CommandKind = "SHUTDOWN"
	CmdReconnect CommandKind = "RECONNECT"
	CmdStatus    CommandKind = "STATUS"
)

// Command is one host instruction. Reply is only used by STATUS; other
// kinds leave it nil.
type Command struct {
	Kind  CommandKind
	Reply chan Status
}

// Status is a point-in-time view of the engine's pipeline.
type Status struct {
	ConnectionState ConnState `json:"connectionState"`
	QueueSize       int       `json:"queueSize"`
	ActiveSyncs     int       `json:"activeSyncs"`
}

// Command delivers a host command to the engine. Commands are serviced
// both while connected and during reconnect backoff. After shutdown,
// STATUS still answers directly (the final disconnected snapshot) and
// every other kind returns ErrShutdown.
func (e *Engine) Command(ctx context.Context, cmd Command) error {
	if e.isShutdown() {
		if cmd.Kind == CmdStatus && cmd.Reply != nil {
			cmd.Reply <- e.status()
			return nil
		}
		if cmd.Kind == CmdShutdown {
			return nil
		}

		return syncerrors.ErrShutdown
	}

	select {
	case e.cmdCh <- cmd:
		return nil
	case <-e.done:
		if cmd.Kind == CmdStatus && cmd.Reply != nil {
			cmd.Reply <- e.status()
			return nil
		}
		if cmd.Kind == CmdShutdown {
			return nil
		}

		return syncerrors.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status queries the engine's current state over the command channel.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := e.Command(ctx, Command{Kind: CmdStatus, Reply: reply}); err != nil {
		return Status{}, err
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// ForceReconnect asks the engine to drop the current connection and dial
// fresh, skipping any remaining backoff.
func (e *Engine) ForceReconnect(ctx context.Context) error {
	return e.Command(ctx, Command{Kind: CmdReconnect})
}
