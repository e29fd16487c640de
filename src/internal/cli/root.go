// Package cli implements favctl, an operator tool for inspecting and editing
// a user's favorites against the configured backend.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yaffw/cinefav/src/internal/bootstrap"
	"github.com/yaffw/cinefav/src/internal/config"
	"github.com/yaffw/cinefav/src/internal/logging"
	"github.com/yaffw/cinefav/src/internal/services"
)

// Deps is what every command needs once config is loaded.
type Deps struct {
	Backend *bootstrap.Backend
	Catalog *services.Catalog // nil without a TMDB key
	Log     zerolog.Logger
	close   func()
}

func (d *Deps) Close() {
	if d.close != nil {
		d.close()
	}
}

// Opener builds Deps; tests swap it for an in-memory one.
type Opener func(ctx context.Context, opts *RootOptions) (*Deps, error)

type RootOptions struct {
	ConfigPath string
	User       string
	Format     string // "text" | "json"
	Verbose    bool

	open Opener
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(openFromConfig)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "favctl",
		Short: "Inspect and edit cinefav favorites",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults to $CONFIG_PATH)")
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", "", "user id whose favorites to use")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newToggleCommand(opts))
	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

func openFromConfig(ctx context.Context, opts *RootOptions) (*Deps, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if opts.Verbose {
		logging.Init(cfg.Logging)
		log = logging.Component("favctl")
	}

	backend, err := bootstrap.OpenBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	catalog, closeCatalog, err := bootstrap.OpenCatalog(ctx, cfg, log)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &Deps{
		Backend: backend,
		Catalog: catalog,
		Log:     log,
		close: func() {
			closeCatalog()
			backend.Close()
		},
	}, nil
}

// withDeps checks the user flag and opens dependencies around fn.
func (o *RootOptions) withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *Deps) error) error {
	if o.User == "" {
		return fmt.Errorf("--user is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := o.open(ctx, o)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func (o *RootOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
