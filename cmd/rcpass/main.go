package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/RCPass/internal/config"
	"github.com/cjeanneret/RCPass/internal/debug"
	"github.com/cjeanneret/RCPass/internal/hw/gpio"
	"github.com/cjeanneret/RCPass/internal/logic/channel"
	"github.com/cjeanneret/RCPass/internal/logic/engine"
	"github.com/cjeanneret/RCPass/internal/logic/replay"
	"github.com/cjeanneret/RCPass/internal/logic/shaping"
	"github.com/cjeanneret/RCPass/internal/logic/timing"
	"github.com/cjeanneret/RCPass/internal/web"
)

const banner = "PWM passthrough running. Press Ctrl+C to stop."

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rcpass: %v\n", err)
		os.Exit(1)
	}
}

// options holds the CLI flags shared by all subcommands.
type options struct {
	cfgPath    string
	driver     string
	debugLevel int
	web        webPortFlag
}

func newRootCmd() *cobra.Command {
	opts := &options{web: webPortFlag{defaultPort: 8080}}

	root := &cobra.Command{
		Use:           "rcpass",
		Short:         "Pass RC receiver pulses through to the ESC and steering servo",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPassthrough(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.cfgPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	pf.StringVar(&opts.driver, "driver", "", "override driver.type (pigpiod, rpio, mock)")
	pf.IntVar(&opts.debugLevel, "debug-level", -1, "override defaults.debug_level (0-4)")

	webFlag := root.Flags().VarPF(&opts.web, "web", "", "start telemetry server; --web for 8080, --web=8980 for custom port")
	webFlag.NoOptDefVal = strconv.Itoa(opts.web.defaultPort)

	root.AddCommand(newCheckCmd(opts), newReplayCmd(opts))
	return root
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := engineConfig(cfg, nil).Validate(); err != nil {
				return err
			}
			printChannels(cmd.OutOrStdout(), opts.cfgPath, cfg)
			return nil
		},
	}
}

func newReplayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE",
		Short: "Run a recorded edge list through the engine and print the output commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			debug.Init(cfg.Defaults.DebugLevel)
			defer debug.Sync()

			events, err := replay.Load(args[0])
			if err != nil {
				return err
			}
			cmds, err := replay.Run(cmd.Context(), engineConfig(cfg, nil), events)
			out := cmd.OutOrStdout()
			for _, c := range cmds {
				fmt.Fprintf(out, "BCM%-2d %4dµs\n", c.Pin, c.Width)
			}
			return err
		},
	}
}

// runPassthrough is the root command: wire the engine to real GPIO and run
// until SIGINT or SIGTERM.
func runPassthrough(parent context.Context, stdout io.Writer, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", opts.cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Driver", cfg.Driver.Type)
	debug.PrintStruct("Resolved config", *cfg)

	debug.Step(1, "Initializing GPIO driver")
	drv, err := gpio.NewDriver(gpio.Options{
		Type:         cfg.Driver.Type,
		Address:      cfg.Driver.Address,
		ServoHz:      cfg.Driver.ServoHz,
		PollInterval: cfg.PollInterval(),
		DialTimeout:  5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init GPIO (%s): %w", cfg.Driver.Type, err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			debug.Error(fmt.Errorf("closing GPIO driver: %w", err))
		}
	}()

	var broadcaster *web.StatusBroadcaster
	var observer channel.Observer
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(stdout, web.BroadcastWriter(broadcaster)))
		observer = broadcaster.Observer()
	}

	debug.Step(2, "Building engine")
	eng, err := engine.New(drv, engineConfig(cfg, observer))
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	debug.Summary(fmt.Sprintf("Run %s: throttle BCM%d->BCM%d, steering BCM%d->BCM%d",
		eng.ID(), cfg.Throttle.InputPin, cfg.Throttle.OutputPin, cfg.Steering.InputPin, cfg.Steering.OutputPin))
	fmt.Fprintln(stdout, banner)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if broadcaster != nil {
		srv := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, eng.Snapshot)
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	debug.Section("Stopped")
	return err
}

// loadConfig validates the path, loads the file and applies CLI overrides.
func loadConfig(opts *options) (*config.Config, error) {
	if err := config.ValidateConfigPath(opts.cfgPath); err != nil {
		return nil, err
	}
	if err := validateCLIOverrides(opts.driver, opts.debugLevel); err != nil {
		return nil, fmt.Errorf("invalid CLI override: %w", err)
	}
	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)
	// A --driver override can invalidate the output layout (rpio PWM channels).
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateCLIOverrides checks flag values that were explicitly set.
// An empty driver or a negative debug level means "use config value".
func validateCLIOverrides(driver string, debugLevel int) error {
	switch driver {
	case "", "pigpiod", "rpio", "mock":
	default:
		return fmt.Errorf("driver must be pigpiod, rpio or mock, got %q", driver)
	}
	if debugLevel > debug.LevelTrace {
		return fmt.Errorf("debug-level must be between 0 and %d, got %d", debug.LevelTrace, debugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with the flags that were set.
func applyOverrides(cfg *config.Config, opts *options) {
	if opts.driver != "" {
		cfg.Driver.Type = opts.driver
	}
	if opts.debugLevel >= 0 {
		cfg.Defaults.DebugLevel = opts.debugLevel
	}
	if port := opts.web.port(); port > 0 {
		cfg.Web.Port = port
	}
}

// engineConfig maps the file layout onto the engine's channel list.
func engineConfig(cfg *config.Config, observer channel.Observer) engine.Config {
	return engine.Config{
		Channels: []engine.ChannelConfig{
			{
				Role:      timing.Throttle,
				InputPin:  cfg.Throttle.InputPin,
				OutputPin: cfg.Throttle.OutputPin,
				Policy:    cfg.ShapingConfig(cfg.Throttle.Policy),
			},
			{
				Role:      timing.Steering,
				InputPin:  cfg.Steering.InputPin,
				OutputPin: cfg.Steering.OutputPin,
				Policy:    cfg.ShapingConfig(cfg.Steering.Policy),
			},
		},
		Range:    cfg.Range(),
		Modulus:  gpio.TickModulus,
		Observer: observer,
	}
}

func printChannels(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "config:   %s\n", path)
	if cfg.Driver.Type == "pigpiod" {
		fmt.Fprintf(w, "driver:   %s (%s)\n", cfg.Driver.Type, cfg.Driver.Address)
	} else {
		fmt.Fprintf(w, "driver:   %s\n", cfg.Driver.Type)
	}
	fmt.Fprintf(w, "pulse:    %d-%dµs, neutral %dµs\n", cfg.Pulse.MinUs, cfg.Pulse.MaxUs, cfg.Pulse.NeutralUs)
	for _, ch := range []struct {
		name string
		c    config.ChannelConfig
	}{
		{"throttle", cfg.Throttle},
		{"steering", cfg.Steering},
	} {
		fmt.Fprintf(w, "%-9s BCM%d -> BCM%d  %s\n", ch.name+":", ch.c.InputPin, ch.c.OutputPin,
			shaping.Describe(cfg.ShapingConfig(ch.c.Policy)))
	}
	if cfg.Web.Port > 0 {
		fmt.Fprintf(w, "web:      :%d\n", cfg.Web.Port)
	}
}

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web or --web= → 8080, --web=8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
