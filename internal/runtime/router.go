package runtime

import (
	"context"
	"fmt"

	"github.com/danmuck/objrpc/internal/dispatch"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/reference"
	"github.com/danmuck/objrpc/internal/router"
)

const RouterTypeID = "::Ice::Router"

const (
	opGetClientProxy = "getClientProxy"
	opGetServerProxy = "getServerProxy"
	opAddProxy       = "addProxy"
)

// routerClient talks to a remote router object. Its proxy carries no
// router of its own.
type routerClient struct {
	proxy *Proxy
}

func (r *routerClient) GetClientProxy(ctx context.Context) (*reference.Reference, error) {
	return r.getProxy(ctx, opGetClientProxy)
}

func (r *routerClient) GetServerProxy(ctx context.Context) (*reference.Reference, error) {
	return r.getProxy(ctx, opGetServerProxy)
}

func (r *routerClient) getProxy(ctx context.Context, op string) (*reference.Reference, error) {
	refs := r.proxy.rt.references
	v, err := r.proxy.Invoke(ctx, &dispatch.Call{
		Operation: op,
		Mode:      dispatch.ModeNonmutating,
		Unmarshal: func(in *protocol.InputStream) (any, error) { return refs.Read(in) },
	})
	if err != nil {
		return nil, err
	}
	ref, _ := v.(*reference.Reference)
	return ref, nil
}

func (r *routerClient) AddProxy(ctx context.Context, proxy *reference.Reference) error {
	_, err := r.proxy.Invoke(ctx, &dispatch.Call{
		Operation: opAddProxy,
		Mode:      dispatch.ModeIdempotent,
		Args:      proxy,
		Marshal: func(out *protocol.OutputStream) error {
			reference.Write(out, proxy)
			return nil
		},
	})
	return err
}

// NewRouterServant exposes impl as a router object that remote runtimes
// can use as their router.
func (rt *Runtime) NewRouterServant(impl router.Router) *dispatch.Object {
	getter := func(name string, get func(context.Context) (*reference.Reference, error)) *dispatch.Operation {
		return &dispatch.Operation{
			Name: name,
			Mode: dispatch.ModeNonmutating,
			Invoke: func(ctx context.Context, _ *dispatch.Current, _ *protocol.InputStream, out *protocol.OutputStream) error {
				ref, err := get(ctx)
				if err != nil {
					return err
				}
				reference.Write(out, ref)
				return nil
			},
			Direct: func(ctx context.Context, _ *dispatch.Current, _ any) (any, error) {
				return get(ctx)
			},
		}
	}
	add := &dispatch.Operation{
		Name: opAddProxy,
		Mode: dispatch.ModeIdempotent,
		Invoke: func(ctx context.Context, _ *dispatch.Current, in *protocol.InputStream, _ *protocol.OutputStream) error {
			ref, err := rt.references.Read(in)
			if err != nil {
				return err
			}
			return impl.AddProxy(ctx, ref)
		},
		Direct: func(ctx context.Context, _ *dispatch.Current, args any) (any, error) {
			ref, ok := args.(*reference.Reference)
			if !ok {
				return nil, fmt.Errorf("runtime: addProxy argument %T", args)
			}
			return nil, impl.AddProxy(ctx, ref)
		},
	}
	return dispatch.NewObject([]string{RouterTypeID},
		getter(opGetClientProxy, impl.GetClientProxy),
		getter(opGetServerProxy, impl.GetServerProxy),
		add,
	)
}
