// Package cli implements marketctl, the operator command line for the
// spread market.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/atmx/spread-market/internal/app"
	"github.com/atmx/spread-market/internal/config"
)

// Opener builds the application for one command invocation.
type Opener func(ctx context.Context, configPath string) (*app.App, error)

// DefaultOpener loads configuration from configPath and connects to the
// configured backends.
func DefaultOpener(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, app.NewLogger(cfg.LogLevel))
}

type runner struct {
	open       Opener
	out        io.Writer
	configPath string
	actor      string
}

// NewRootCommand assembles marketctl. Output goes to out.
func NewRootCommand(open Opener, out io.Writer) *cobra.Command {
	r := &runner{open: open, out: out}
	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "Operate spread-auction prediction markets",
		Long:          `marketctl runs lifecycle sweeps, settles markets and seeds users against the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&r.configPath, "config", "spreadmkt.toml", "Path to TOML config file")
	root.PersistentFlags().StringVar(&r.actor, "as", "", "Admin user ID to act as")

	root.AddCommand(r.sweepCommand())
	root.AddCommand(r.marketsCommand())
	root.AddCommand(r.settlementCommands()...)
	root.AddCommand(r.userCommand())
	return root
}

// with opens the application, runs fn and closes it again.
func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := r.open(ctx, r.configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (r *runner) requireActor() error {
	if r.actor == "" {
		return fmt.Errorf("--as is required for this command")
	}
	return nil
}

func (r *runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
