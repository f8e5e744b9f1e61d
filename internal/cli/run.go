package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/loadgen/engine"
	"github.com/wesleyorama2/volley/internal/output"
	"github.com/wesleyorama2/volley/internal/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. VOLLEY_RPS=200.
const EnvPrefix = "VOLLEY"

// runOptions are the presentation flags that are not part of a run's
// configuration.
type runOptions struct {
	configFile  string
	outputPath  string
	format      string
	json        bool
	quiet       bool
	noColor     bool
	logLevel    string
	metricsAddr string
}

// runCommand is the run subcommand with its layered settings.
type runCommand struct {
	cmd  *cobra.Command
	v    *viper.Viper
	opts *runOptions
}

func newRunCmd() *cobra.Command {
	return newRunCommand().cmd
}

func newRunCommand() *runCommand {
	opts := &runOptions{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run [url] [threads] [duration] [rps]",
		Short: "Send requests to one endpoint at a fixed rate",
		Long: `Send requests to one endpoint at a fixed rate and report the results.

Positional form:
  volley run https://example.com 50 30 100

Flag form:
  volley run --url https://api.example.com/health -t 20 -d 1m -r 250 \
    -H "Accept: application/json" --timeout 2s

Config file (YAML or JSON), with flags and VOLLEY_* variables on top:
  volley run -c run.yaml --rps 500

Duration accepts Go durations ("1m30s") or plain seconds ("30").`,
		Args: cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, v, opts, args)
		},
	}

	def := config.Defaults()
	f := cmd.Flags()

	f.StringVarP(&opts.configFile, "config", "c", "", "Run configuration file (YAML or JSON)")
	f.StringVarP(&opts.outputPath, "output", "o", "", "Write the report to a file (.json, .yaml, .html)")
	f.StringVar(&opts.format, "format", "text", "Report format on stdout: text, json, yaml or html")
	f.BoolVar(&opts.json, "json", false, "Print the report as JSON (same as --format json)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the final status line")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics at this address (e.g. :9090)")

	f.String("url", "", "Target URL")
	f.StringP("method", "X", def.Method, "HTTP method")
	f.StringArrayP("header", "H", nil, `Request header "Key: Value" (repeatable)`)
	f.String("body", "", "Request body")
	f.String("body-file", "", "Read the request body from a file")
	f.Duration("timeout", def.Timeout, "Per-request timeout")
	f.IntP("threads", "t", def.Threads, "Number of concurrent workers")
	f.DurationP("duration", "d", def.Duration, "How long to send requests")
	f.Float64P("rps", "r", def.RPS, "Target requests per second across all workers")
	f.Int64P("requests", "n", 0, "Stop after this many requests (0 = no limit)")
	f.Duration("grace", def.Grace, "Time in-flight requests may finish after the run stops")
	f.Int("pool-size", 0, "Keep-alive connections per host (default: threads)")
	f.Int("max-conns", 0, "Hard connection cap per host (default: pool size)")
	f.Duration("queue-timeout", 0, "Wait for a free connection before failing (default: timeout)")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.Bool("http2", false, "Enable HTTP/2 for https targets")
	f.Bool("follow-redirects", false, "Follow 3xx responses")
	f.String("user-agents", "", "File with one User-Agent per line to rotate through")
	f.Bool("request-id", false, "Send a fresh "+config.RequestIDHeader+" header with every request")
	f.Float64("burst", def.Burst, "Burst allowance in permits, 0 to 1")
	f.Duration("progress-interval", def.ProgressInterval, "Progress and timeline interval")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(f)

	return &runCommand{cmd: cmd, v: v, opts: opts}
}

// loadSettings merges defaults, the config file, environment, flags and
// positional arguments, lowest to highest precedence.
func loadSettings(v *viper.Viper, configFile string, args []string) (config.Settings, error) {
	base := config.Defaults()
	if configFile != "" {
		fc, err := config.LoadFile(configFile)
		if err != nil {
			return config.Settings{}, err
		}
		base = fc.Overlay(base)
	}

	// File values sit below env and flags in viper's lookup order.
	for key, value := range base.Map() {
		v.SetDefault(key, value)
	}

	if err := applyPositional(v, args); err != nil {
		return config.Settings{}, err
	}

	var s config.Settings
	if err := v.Unmarshal(&s); err != nil {
		return config.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return s, nil
}

// applyPositional handles <url> [threads] [duration] [rps].
func applyPositional(v *viper.Viper, args []string) error {
	errs := &config.ValidationErrors{}

	if len(args) > 0 {
		v.Set("url", args[0])
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			errs.Add("threads", fmt.Sprintf("invalid thread count %q", args[1]))
		} else {
			v.Set("threads", n)
		}
	}
	if len(args) > 2 {
		d, err := config.ParseDurationString(args[2])
		if err != nil {
			errs.Add("duration", err.Error())
		} else {
			v.Set("duration", d)
		}
	}
	if len(args) > 3 {
		rps, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			errs.Add("rps", fmt.Sprintf("invalid rps %q", args[3]))
		} else {
			v.Set("rps", rps)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func runLoad(cmd *cobra.Command, v *viper.Viper, opts *runOptions, args []string) error {
	stdout := cmd.OutOrStdout()
	stderr := cmd.ErrOrStderr()

	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return configError(err)
	}
	if opts.json {
		format = output.FormatJSON
	}

	logger := telemetry.NewLogger(opts.logLevel, stderr)

	settings, err := loadSettings(v, opts.configFile, args)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return configError(err)
	}
	runConfig, err := settings.Build()
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return configError(err)
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  stdout,
		NoColor: opts.noColor,
		Quiet:   opts.quiet || format != output.FormatText,
	})

	output.PrintNotice(stderr, opts.noColor || !output.IsTerminal(stderr))

	eng, err := engine.New(runConfig,
		engine.WithLogger(logger),
		engine.OnProgress(console.Update),
	)
	if err != nil {
		return configError(err)
	}

	if opts.metricsAddr != "" {
		srv, err := telemetry.Listen(opts.metricsAddr, eng.Snapshot, logger)
		if err != nil {
			return failureError(err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.PrintHeader(runConfig)

	report, runErr := eng.Run(ctx)
	if report == nil {
		if errors.Is(runErr, engine.ErrSetup) {
			logger.Error().Err(runErr).Msg("run setup failed")
		}
		return failureError(runErr)
	}

	if format == output.FormatText {
		console.PrintSummary(report)
	} else if err := output.WriteReport(stdout, report, format); err != nil {
		return failureError(err)
	}

	if opts.outputPath != "" {
		if err := output.WriteReportFile(opts.outputPath, report); err != nil {
			return failureError(err)
		}
		logger.Info().Str("path", opts.outputPath).Msg("report written")
	}

	if runErr != nil {
		return failureError(runErr)
	}
	return nil
}
