package dispatch

import (
	"context"
	"time"
)

// Hook observes dispatch. Implementations must be safe for concurrent use.
type Hook interface {
	OnDispatchStart(ctx context.Context, info Info) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info Info, result Result)
}

// HookToken is returned by OnDispatchStart and handed back to
// OnDispatchEnd of the same hook.
type HookToken any

// Info identifies the call being dispatched.
type Info struct {
	Adapter    string
	Identity   string
	Facet      string
	Operation  string
	Mode       OperationMode
	RequestID  uint32
	Collocated bool
	// Context is the request context. Hooks must not modify it.
	Context map[string]string
}

// Result summarizes a finished dispatch. Status is StatusOK for
// collocated calls that returned no error.
type Result struct {
	Status   ReplyStatus
	Err      error
	Duration time.Duration
	InBytes  int
	OutBytes int
}

func infoOf(cur *Current) Info {
	return Info{
		Adapter:    cur.Adapter,
		Identity:   cur.Identity.String(),
		Facet:      cur.Facet,
		Operation:  cur.Operation,
		Mode:       cur.Mode,
		RequestID:  cur.RequestID,
		Collocated: cur.Collocated,
		Context:    cur.Context,
	}
}
