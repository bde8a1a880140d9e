package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/danmuck/objrpc/internal/config"
	"github.com/danmuck/objrpc/internal/logging"
	"github.com/danmuck/objrpc/internal/protocol"
	"github.com/danmuck/objrpc/internal/reference"
	"github.com/danmuck/objrpc/internal/runtime"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "objrpcctl",
		Short:         "Inspect endpoints and proxies, ping objects and serve adapters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "runtime config file (TOML)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "per-command deadline for remote calls")

	root.AddCommand(
		newEndpointCmd(flags),
		newProxyCmd(flags),
		newPingCmd(flags),
		newServeCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

func (f *globalFlags) load() (config.Runtime, error) {
	if f.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(f.configPath)
}

func (f *globalFlags) runtime() (*runtime.Runtime, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return runtime.New(cfg, runtime.WithLogger(logging.Component("objrpcctl")))
}

func destroy(rt *runtime.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.Destroy(ctx)
}

func newEndpointCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint <text>",
		Short: "Parse an endpoint and print its canonical form and wire bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.runtime()
			if err != nil {
				return err
			}
			defer destroy(rt)

			eps, err := rt.Endpoints().CreateList(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ep := range eps {
				wire := protocol.NewOutputStream()
				ep.Marshal(wire)
				fmt.Fprintf(out, "%s\n  protocol=%s type=%d secure=%t datagram=%t\n  wire=%s\n",
					ep, ep.Protocol(), ep.Type(), ep.Secure(), ep.Datagram(), hex.EncodeToString(wire.Bytes()))
			}
			return nil
		},
	}
}

func newProxyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "proxy <text>",
		Short: "Parse a stringified proxy and print its fields and wire bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.runtime()
			if err != nil {
				return err
			}
			defer destroy(rt)

			p, err := rt.StringToProxy(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("empty proxy")
			}
			ref := p.Reference()
			wire := protocol.NewOutputStream()
			reference.Write(wire, ref)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", ref)
			fmt.Fprintf(out, "  identity=%s facet=%q mode=%s secure=%t\n", ref.Identity(), ref.Facet(), ref.Mode(), ref.Secure())
			if ref.Indirect() {
				fmt.Fprintf(out, "  adapter=%s\n", ref.AdapterID())
			}
			for _, ep := range ref.Endpoints() {
				fmt.Fprintf(out, "  endpoint=%s\n", ep)
			}
			if r := ref.Router(); r != nil {
				fmt.Fprintf(out, "  router=%s\n", r)
			}
			fmt.Fprintf(out, "  wire=%s\n", hex.EncodeToString(wire.Bytes()))
			return nil
		},
	}
}

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <proxy>",
		Short: "Invoke ice_ping and ice_id on an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.runtime()
			if err != nil {
				return err
			}
			defer destroy(rt)

			p, err := rt.StringToProxy(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("empty proxy")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			start := time.Now()
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", p, err)
			}
			rtt := time.Since(start)
			id, err := p.ID(ctx)
			if err != nil {
				return fmt.Errorf("ice_id %s: %w", p, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s type=%s rtt=%s\n", p.Identity(), id, rtt.Round(time.Microsecond))
			return nil
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or show runtime configuration",
	}
	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the runtime config template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "objrpc.toml", "template destination")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
