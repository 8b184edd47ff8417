package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/viscactl/internal/auth"
	"github.com/danmuck/viscactl/internal/camera"
	"github.com/danmuck/viscactl/internal/config"
	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/observability"
	"github.com/danmuck/viscactl/internal/protocol/catalog"
	"github.com/danmuck/viscactl/internal/protocol/session"
	"github.com/danmuck/viscactl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "viscactl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "viscactl",
		Short:         "Drive VISCA PTZ cameras over IP, TCP or serial",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "viscactl.toml", "daemon config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level")

	root.AddCommand(
		newServeCmd(flags),
		newExecCmd(flags),
		newInquireCmd(flags),
		newOpsCmd(),
		newConfigCmd(),
	)
	return root
}

// setup loads the daemon config and applies logging settings; the flag wins
// over the file.
func setup(flags *rootFlags) (daemonConfig, error) {
	observability.InitLogger("viscactl")
	cfg, err := loadDaemonConfig(flags.configPath)
	if err != nil {
		return daemonConfig{}, err
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if level != "" && !logging.SetLevel(level) {
		log.Warn().Str("level", level).Msg("ignoring unknown log level")
	}
	return cfg, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control daemon for every configured camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg, err := openCameras(ctx, cfg.Cameras)
			if err != nil {
				return err
			}
			defer reg.Close()

			var opts []server.Option
			if cfg.APIToken != "" {
				opts = append(opts, server.WithAuth(auth.StaticToken{Token: cfg.APIToken}))
			}
			srv := server.New("viscactl", cfg.ListenAddr, cfg.CorsOrigins, reg, opts...)
			log.Info().
				Str("listen", cfg.ListenAddr).
				Int("cameras", len(cfg.Cameras)).
				Bool("auth", cfg.APIToken != "").
				Msg("viscactl serving")
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen_addr")
	return cmd
}

func openCameras(ctx context.Context, entries []config.CameraConfig) (*camera.Registry, error) {
	specs, err := config.CameraSpecs(entries)
	if err != nil {
		return nil, err
	}
	reg := camera.NewRegistry()
	var errs []error
	for _, spec := range specs {
		if _, err := reg.Open(ctx, spec); err != nil {
			log.Error().Err(err).Str("camera", spec.Session.Name).Msg("camera unavailable")
			errs = append(errs, err)
		}
	}
	if len(specs) > 0 && len(errs) == len(specs) {
		_ = reg.Close()
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

type callFlags struct {
	timeout time.Duration
	retries int
}

func (f callFlags) options(cmd *cobra.Command) []session.CallOption {
	var opts []session.CallOption
	if f.timeout > 0 {
		opts = append(opts, session.WithTimeout(f.timeout))
	}
	if cmd.Flags().Changed("retries") {
		opts = append(opts, session.WithRetries(f.retries))
	}
	return opts
}

// withCamera opens one configured camera for a single CLI call.
func withCamera(cmd *cobra.Command, flags *rootFlags, name string, fn func(context.Context, *camera.Camera) error) error {
	cfg, err := setup(flags)
	if err != nil {
		return err
	}
	entry, err := cfg.camera(name)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reg, err := openCameras(ctx, []config.CameraConfig{entry})
	if err != nil {
		return err
	}
	defer reg.Close()
	cam, err := reg.Get(name)
	if err != nil {
		return err
	}
	return fn(ctx, cam)
}

func newExecCmd(flags *rootFlags) *cobra.Command {
	var cf callFlags
	cmd := &cobra.Command{
		Use:   "exec <camera> <op> [name=value...]",
		Short: "Send one command and wait for its completion",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCamera(cmd, flags, args[0], func(ctx context.Context, cam *camera.Camera) error {
				op, ok := cam.Engine.Catalog().Command(args[1])
				if !ok {
					return fmt.Errorf("%w: %s", catalog.ErrUnknownOperation, args[1])
				}
				parsed, err := catalog.ParseArgs(op, args[2:])
				if err != nil {
					return err
				}
				res, err := cam.Engine.PerformCommand(ctx, op.Name, parsed, cf.options(cmd)...)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s slot=%d attempts=%d in %s\n",
					op.Name, res.Outcome, res.Slot, res.Attempts, res.Duration.Round(time.Millisecond))
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&cf.timeout, "timeout", 0, "per-attempt timeout")
	cmd.Flags().IntVar(&cf.retries, "retries", 0, "retries after a timeout")
	return cmd
}

func newInquireCmd(flags *rootFlags) *cobra.Command {
	var cf callFlags
	cmd := &cobra.Command{
		Use:   "inquire <camera> <op>",
		Short: "Query a camera value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCamera(cmd, flags, args[0], func(ctx context.Context, cam *camera.Camera) error {
				v, err := cam.Engine.PerformInquiry(ctx, args[1], cf.options(cmd)...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v.Op, v)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&cf.timeout, "timeout", 0, "inquiry timeout")
	return cmd
}

func newOpsCmd() *cobra.Command {
	var inquiries bool
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List catalog operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			class := catalog.ClassCommand
			if inquiries {
				class = catalog.ClassInquiry
			}
			return printOperations(cmd, catalog.Default().List(class))
		},
	}
	cmd.Flags().BoolVar(&inquiries, "inquiries", false, "list inquiries instead of commands")
	return cmd
}

func printOperations(cmd *cobra.Command, ops []catalog.Operation) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPARAMS\tDESCRIPTION")
	for _, op := range ops {
		params := op.Params
		if op.Class == catalog.ClassInquiry {
			params = op.Fields
		}
		names := make([]string, 0, len(params))
		for _, p := range params {
			names = append(names, describeParam(p))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", op.Name, strings.Join(names, " "), op.Description)
	}
	return w.Flush()
}

func describeParam(p catalog.Param) string {
	var out string
	if names := p.ValueNames(); len(names) > 0 {
		out = fmt.Sprintf("%s=%s", p.Name, strings.Join(names, "|"))
	} else {
		out = fmt.Sprintf("%s=%d..%d", p.Name, p.Min, p.Max)
	}
	if p.Optional {
		return "[" + out + "]"
	}
	return out
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config files",
	}

	var kind, output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := output
			if target == "" {
				target = kind + ".toml"
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "cameras", "template kind: cameras|daemon")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <cameras.toml>",
		Short: "Validate a camera inventory file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cams, err := config.LoadCameras(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cameras ok\n", args[0], len(cams))
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
