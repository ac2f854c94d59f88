package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softimu/internal/app"
	"github.com/ardnew/softimu/internal/config"
	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/pkg/prof"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/sensor/hal/serial"
)

func StreamCmdRunE(cmd *cobra.Command, _ []string) error {
	desc := config.NewIMUStreamDesc()
	if err := desc.Parse(cmd); err != nil {
		return err
	}
	desc.PostParse()

	cpuProfile, _ := cmd.Flags().GetString("cpuprofile")
	memProfile, _ := cmd.Flags().GetString("memprofile")
	session, err := prof.Start(prof.Options{CPU: cpuProfile, Heap: memProfile})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Stop(); err != nil {
			pkg.LogWarn(pkg.ComponentApp, "profile not written", "error", err)
		}
	}()

	a, err := app.New(desc.Opt, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pkg.LogInfo(pkg.ComponentApp, "starting stream",
		"devices", len(desc.Opt.Devices),
		"pool_slots", desc.Opt.PoolSlots(),
		"metrics", desc.Opt.Metrics.Listen)
	return a.Run(ctx)
}

func StreamCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "text", "log format: text, json")
	cmd.Flags().StringP("metrics", "m", "", "address to serve /metrics on, e.g. :9100")
	cmd.Flags().String("csv", "", "write decoded samples as CSV to this path, - for stdout")
	cmd.Flags().String("cpuprofile", "", "write a CPU profile (requires -tags profile)")
	cmd.Flags().String("memprofile", "", "write a heap profile on exit (requires -tags profile)")
}

func NewStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "stream",
		SuggestFor: []string{
			"run", "str", "serve",
		},
		Short: "stream decodes samples from every configured IMU",
		Long: `stream opens one persistent stream per configured device on a shared
queue and decodes every completed FIFO buffer into samples.
The configuration is read from, in order:
1. path specified in --config flag
2. path defined in the IMUSTREAM_CONFIG environment variable
3. default location $HOME/.config/imustream/config.yaml, /etc/imustream/config.yaml, current directory
The parameters in the configuration file are overridden by, in order:
1. command line arguments
2. environment variables (IMUSTREAM_QUEUE_COMPLETIONS, IMUSTREAM_SINK_CSV, ...)
Without a configuration file a single simulated LSM6DSV16X is streamed.
`,
		Example: `  imustream stream
  imustream stream --config=/path/to/config.yaml --csv=- --metrics=:9100`,
		RunE: StreamCmdRunE,
	}
	StreamCmdFlags(cmd)
	return cmd
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "configuration to start the template from")
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output path")
}

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "init",
		SuggestFor: []string{
			"ini", "in",
		},
		Short: "init create a configuration template",
		Long: `init create a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified
Otherwise init will output configuration file to $HOME/.config/imustream/config.yaml
If --yes / -y flag is present, an existing configuration will be overwritten
`,
		Example: `  imustream init --print
  imustream init --output /path/to/config.yaml
  imustream init -o /path/to/config.yaml -y`,
		RunE: config.InitCfg,
	}
	InitCmdFlags(cmd)
	return cmd
}

func FormatsCmdRunE(cmd *cobra.Command, _ []string) error {
	formats := app.Formats()
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FORMAT\tCHANNELS")
	for _, name := range names {
		var channels string
		for i, k := range formats[name] {
			if i > 0 {
				channels += ","
			}
			channels += k.String()
		}
		fmt.Fprintf(w, "%s\t%s\n", name, channels)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TRIGGER\tPOLICIES")
	for _, t := range []sensor.TriggerKind{
		sensor.TriggerTap,
		sensor.TriggerFIFOWatermark,
		sensor.TriggerFIFOFull,
		sensor.TriggerDataReady,
	} {
		fmt.Fprintf(w, "%s\t%s,%s,%s\n", t, sensor.PolicyInclude, sensor.PolicyDrop, sensor.PolicyNop)
	}
	return w.Flush()
}

func NewFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use: "formats",
		SuggestFor: []string{
			"format", "fmt", "list",
		},
		Short:   "formats lists the supported data formats and triggers",
		Example: `  imustream formats`,
		RunE:    FormatsCmdRunE,
	}
}

func FeedCmdRunE(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	o := config.SourceOpt{Kind: config.SourceSim}
	o.ODR, _ = flags.GetFloat64("odr")
	o.Watermark, _ = flags.GetInt("watermark")
	o.Batches, _ = flags.GetInt("batches")
	o.TapEvery, _ = flags.GetInt("tap-every")
	o.Gyro, _ = flags.GetBool("gyro")
	o.Temp, _ = flags.GetBool("temp")
	o.Magn, _ = flags.GetBool("magn")
	o.Realtime, _ = flags.GetBool("realtime")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := app.Feed(ctx, args[0], o)
	pkg.LogInfo(pkg.ComponentApp, "feed finished", "path", args[0], "batches", n)
	return err
}

func FeedCmdFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("odr", 120, "output data rate in Hz")
	cmd.Flags().Int("watermark", 16, "frames per batch")
	cmd.Flags().Int("batches", 0, "stop after this many batches, 0 for no limit")
	cmd.Flags().Int("tap-every", 0, "report a tap every this many batches")
	cmd.Flags().Bool("gyro", true, "batch gyroscope words")
	cmd.Flags().Bool("temp", true, "batch temperature words")
	cmd.Flags().Bool("magn", false, "batch magnetometer words")
	cmd.Flags().Bool("realtime", true, "pace batches at the output data rate")
}

func NewFeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "feed PATH",
		SuggestFor: []string{
			"fee", "sim",
		},
		Short: "feed writes simulated FIFO batches into a named pipe",
		Long: `feed writes framed, simulated FIFO batches into the named pipe at PATH.
A device configured with a fifo source at the same path reads them.
The pipe is created if it does not exist.
`,
		Example: `  imustream feed /tmp/imu0.fifo --odr 240 --tap-every 10`,
		Args:    cobra.ExactArgs(1),
		RunE:    FeedCmdRunE,
	}
	FeedCmdFlags(cmd)
	return cmd
}

func ProbeCmdRunE(cmd *cobra.Command, _ []string) error {
	pkg.LogInfo(pkg.ComponentApp, "probing serial ports")
	ports, err := serial.Probe()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tID\tDRIVER\tDEVICE")
	for _, p := range ports {
		device := p.Name
		if p.Product != "" {
			device = strings.TrimSpace(p.Manufacturer + " " + p.Product)
		}
		fmt.Fprintf(w, "%s\t%04x:%04x\t%s\t%s\n", p.Path, p.VendorID, p.ProductID, p.Driver, device)
	}
	return w.Flush()
}

func NewProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use: "probe",
		SuggestFor: []string{
			"pro", "pr", "prob",
		},
		Short: "probe lists USB serial ports that may carry an IMU bridge",
		Long: `probe lists the USB serial ports (ttyACM*, ttyUSB*) with their USB IDs and names.
Use a listed port as the path of a serial source in the device table.
`,
		Example: `  imustream probe`,
		RunE:    ProbeCmdRunE,
	}
}

func getRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           config.DefaultAppName,
		Short:         "asynchronous IMU FIFO streaming and decoding",
		Long:          "asynchronous IMU FIFO streaming and decoding over a shared completion queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewStreamCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewFormatsCmd())
	rootCmd.AddCommand(NewFeedCmd())
	rootCmd.AddCommand(NewProbeCmd())

	return rootCmd
}

// ExecuteContext runs the command line args against a fresh command tree.
func ExecuteContext(ctx context.Context, args []string) error {
	rootCmd := getRootCmd()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func Execute() {
	if err := ExecuteContext(context.Background(), os.Args[1:]); err != nil {
		pkg.LogError(pkg.ComponentApp, "imustream failed", "error", err)
		os.Exit(1)
	}
}
