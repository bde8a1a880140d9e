package runtime

import (
	"context"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/identity"
	"github.com/danmuck/objrpc/internal/protocol"
)

const ProcessTypeID = "::Ice::Process"

// ProcessIdentity is where serve hosts the process object.
var ProcessIdentity = identity.New("process", "admin")

// NewProcessServant returns the administrative process object. shutdown
// shuts the runtime down without waiting; writeMessage logs its message.
func (rt *Runtime) NewProcessServant() *dispatch.Object {
	shutdown := func() {
		rt.logger.Info().Msg("runtime.process.shutdown requested")
		rt.Shutdown()
	}
	return dispatch.NewObject([]string{ProcessTypeID},
		&dispatch.Operation{
			Name: "shutdown",
			Invoke: func(context.Context, *dispatch.Current, *protocol.InputStream, *protocol.OutputStream) error {
				shutdown()
				return nil
			},
			Direct: func(context.Context, *dispatch.Current, any) (any, error) {
				shutdown()
				return nil, nil
			},
		},
		&dispatch.Operation{
			Name: "writeMessage",
			Invoke: func(_ context.Context, _ *dispatch.Current, in *protocol.InputStream, _ *protocol.OutputStream) error {
				msg, err := in.ReadString()
				if err != nil {
					return err
				}
				fd, err := in.ReadInt32()
				if err != nil {
					return err
				}
				rt.logger.Info().Msgf("runtime.process.writeMessage fd=%d %s", fd, msg)
				return nil
			},
		},
	)
}

// ShutdownCall invokes shutdown on a process object.
func ShutdownCall() *dispatch.Call {
	return &dispatch.Call{Operation: "shutdown", Mode: dispatch.ModeNormal}
}
