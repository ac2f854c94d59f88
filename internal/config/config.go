package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/sensor"
	"github.com/ardnew/softimu/stream"
)

const DefaultAppName = "imustream"
const DefaultConfigName = "config"
const DefaultConfigEnv = "IMUSTREAM_CONFIG"

// MaxDevices bounds the device table.
const MaxDevices = stream.MaxDevices

// Queue and pool defaults: twenty 2 KiB slots per device, in 256 byte
// blocks. The completion depth stays below the pool so that producers stall
// on completion entries before the pool can run dry.
const (
	DefaultSubmissions = MaxDevices
	DefaultCompletions = 16
	DefaultPoolSlots   = 20
	DefaultSlotSize    = 2048
	DefaultBlockSize   = 256
)

// Dispatcher batch defaults, in frames.
const (
	DefaultAccelBatch = stream.DefaultAccelBatch
	DefaultGyroBatch  = stream.DefaultGyroBatch
	DefaultTempBatch  = stream.DefaultTempBatch
	DefaultMagnBatch  = stream.DefaultMagnBatch
)

const DefaultMetricsNamespace = "imustream"
const DefaultLogRate = 20.0
const DefaultLogBurst = 40

// Format and source names accepted in the device table.
const (
	FormatLSM6DSV16X = "lsm6dsv16x"
	FormatLIS2DUX12  = "lis2dux12"

	SourceSim    = "sim"
	SourceFIFO   = "fifo"
	SourceSerial = "serial"
)

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config/"+DefaultAppName+"/"+DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

type LogOpt struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type MetricsOpt struct {
	Listen    string `yaml:"listen" mapstructure:"listen"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// PoolOpt sizes the shared buffer pool. Slots is per device; the pool holds
// Slots times the number of configured devices.
type PoolOpt struct {
	Slots     int `yaml:"slots" mapstructure:"slots"`
	SlotSize  int `yaml:"slot_size" mapstructure:"slot_size"`
	BlockSize int `yaml:"block_size" mapstructure:"block_size"`
}

type QueueOpt struct {
	Submissions int     `yaml:"submissions" mapstructure:"submissions"`
	Completions int     `yaml:"completions" mapstructure:"completions"`
	Pool        PoolOpt `yaml:"pool" mapstructure:"pool"`
}

type DispatchOpt struct {
	AccelBatch int `yaml:"accel_batch" mapstructure:"accel_batch"`
	GyroBatch  int `yaml:"gyro_batch" mapstructure:"gyro_batch"`
	TempBatch  int `yaml:"temp_batch" mapstructure:"temp_batch"`
	MagnBatch  int `yaml:"magn_batch" mapstructure:"magn_batch"`
}

type SinkOpt struct {
	Log      bool    `yaml:"log" mapstructure:"log"`
	LogRate  float64 `yaml:"log_rate" mapstructure:"log_rate"`
	LogBurst int     `yaml:"log_burst" mapstructure:"log_burst"`
	CSV      string  `yaml:"csv" mapstructure:"csv"`
}

// FormatOpt selects the buffer format a device encodes and decodes.
type FormatOpt struct {
	Name       string `yaml:"name" mapstructure:"name"`
	AccelRange int    `yaml:"accel_range" mapstructure:"accel_range"`
	GyroRange  int    `yaml:"gyro_range,omitempty" mapstructure:"gyro_range"`
}

// SourceOpt selects the FIFO source behind a device. Path names the pipe
// for fifo and the port for serial; the sim fields apply to sim only.
type SourceOpt struct {
	Kind      string  `yaml:"kind" mapstructure:"kind"`
	Path      string  `yaml:"path,omitempty" mapstructure:"path"`
	Baud      int     `yaml:"baud,omitempty" mapstructure:"baud"`
	ODR       float64 `yaml:"odr,omitempty" mapstructure:"odr"`
	Watermark int     `yaml:"watermark,omitempty" mapstructure:"watermark"`
	Gyro      bool    `yaml:"gyro,omitempty" mapstructure:"gyro"`
	Temp      bool    `yaml:"temp,omitempty" mapstructure:"temp"`
	Magn      bool    `yaml:"magn,omitempty" mapstructure:"magn"`
	TapEvery  int     `yaml:"tap_every,omitempty" mapstructure:"tap_every"`
	Batches   int     `yaml:"batches,omitempty" mapstructure:"batches"`
	Realtime  bool    `yaml:"realtime,omitempty" mapstructure:"realtime"`
}

// DeviceOpt is one row of the device table. Channels are kind names with
// an optional ":index"; triggers are "kind:policy".
type DeviceOpt struct {
	Name     string    `yaml:"name" mapstructure:"name"`
	Format   FormatOpt `yaml:"format" mapstructure:"format"`
	Source   SourceOpt `yaml:"source" mapstructure:"source"`
	Channels []string  `yaml:"channels" mapstructure:"channels"`
	Triggers []string  `yaml:"triggers" mapstructure:"triggers"`
}

type IMUStreamOpt struct {
	Log      LogOpt      `yaml:"log" mapstructure:"log"`
	Metrics  MetricsOpt  `yaml:"metrics" mapstructure:"metrics"`
	Queue    QueueOpt    `yaml:"queue" mapstructure:"queue"`
	Dispatch DispatchOpt `yaml:"dispatch" mapstructure:"dispatch"`
	Sink     SinkOpt     `yaml:"sink" mapstructure:"sink"`
	Devices  []DeviceOpt `yaml:"devices" mapstructure:"devices"`
	Debug    bool        `yaml:"debug" mapstructure:"debug"`
}

type IMUStreamDesc struct {
	Opt   IMUStreamOpt
	Viper *viper.Viper
}

func NewIMUStreamDesc() IMUStreamDesc {
	return IMUStreamDesc{
		Opt:   NewIMUStreamOpt(),
		Viper: nil,
	}
}

func NewIMUStreamOpt() IMUStreamOpt {
	return IMUStreamOpt{
		Log: LogOpt{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsOpt{
			Namespace: DefaultMetricsNamespace,
		},
		Queue: QueueOpt{
			Submissions: DefaultSubmissions,
			Completions: DefaultCompletions,
			Pool: PoolOpt{
				Slots:     DefaultPoolSlots,
				SlotSize:  DefaultSlotSize,
				BlockSize: DefaultBlockSize,
			},
		},
		Dispatch: DispatchOpt{
			AccelBatch: DefaultAccelBatch,
			GyroBatch:  DefaultGyroBatch,
			TempBatch:  DefaultTempBatch,
			MagnBatch:  DefaultMagnBatch,
		},
		Sink: SinkOpt{
			Log:      true,
			LogRate:  DefaultLogRate,
			LogBurst: DefaultLogBurst,
		},
		Devices: []DeviceOpt{DefaultDevice()},
		Debug:   false,
	}
}

// DefaultDevice is a simulated LSM6DSV16X streaming accel, gyro and die
// temperature on watermark, with taps reported alongside the data.
func DefaultDevice() DeviceOpt {
	return DeviceOpt{
		Name: "imu0",
		Format: FormatOpt{
			Name:       FormatLSM6DSV16X,
			AccelRange: 2,
			GyroRange:  125,
		},
		Source: SourceOpt{
			Kind:      SourceSim,
			ODR:       120,
			Watermark: 16,
			Gyro:      true,
			Temp:      true,
			TapEvery:  10,
			Realtime:  true,
		},
		Channels: []string{"accel_xyz", "gyro_xyz", "die_temp"},
		Triggers: []string{"fifo_watermark:include", "tap:include"},
	}
}

func setDefaults(vipCfg *viper.Viper) {
	def := NewIMUStreamOpt()
	vipCfg.SetDefault("log.level", def.Log.Level)
	vipCfg.SetDefault("log.format", def.Log.Format)
	vipCfg.SetDefault("metrics.listen", def.Metrics.Listen)
	vipCfg.SetDefault("metrics.namespace", def.Metrics.Namespace)
	vipCfg.SetDefault("queue.submissions", def.Queue.Submissions)
	vipCfg.SetDefault("queue.completions", def.Queue.Completions)
	vipCfg.SetDefault("queue.pool.slots", def.Queue.Pool.Slots)
	vipCfg.SetDefault("queue.pool.slot_size", def.Queue.Pool.SlotSize)
	vipCfg.SetDefault("queue.pool.block_size", def.Queue.Pool.BlockSize)
	vipCfg.SetDefault("dispatch.accel_batch", def.Dispatch.AccelBatch)
	vipCfg.SetDefault("dispatch.gyro_batch", def.Dispatch.GyroBatch)
	vipCfg.SetDefault("dispatch.temp_batch", def.Dispatch.TempBatch)
	vipCfg.SetDefault("dispatch.magn_batch", def.Dispatch.MagnBatch)
	vipCfg.SetDefault("sink.log", def.Sink.Log)
	vipCfg.SetDefault("sink.log_rate", def.Sink.LogRate)
	vipCfg.SetDefault("sink.log_burst", def.Sink.LogBurst)
	vipCfg.SetDefault("sink.csv", def.Sink.CSV)
	vipCfg.SetDefault("debug", false)
}

// Parse reads the configuration from, in order, the --config flag, the
// IMUSTREAM_CONFIG environment variable and the default search path.
// Environment variables (IMUSTREAM_QUEUE_COMPLETIONS, ...) and bound
// flags override file values. Without a devices table the default
// simulated device is used.
func (o *IMUStreamDesc) Parse(cmd *cobra.Command) error {
	vipCfg := viper.New()
	setDefaults(vipCfg)

	if configFileCmd, err := cmd.Flags().GetString("config"); err == nil && configFileCmd != "" {
		vipCfg.SetConfigFile(configFileCmd)
	} else {
		configFileEnv := os.Getenv(DefaultConfigEnv)
		if configFileEnv != "" {
			vipCfg.SetConfigFile(configFileEnv)
		} else {
			vipCfg.SetConfigName(DefaultConfigName)
			vipCfg.SetConfigType("yaml")
			vipCfg.AddConfigPath(DefaultConfigSearchPath0)
			vipCfg.AddConfigPath(DefaultConfigSearchPath1)
			vipCfg.AddConfigPath(DefaultConfigSearchPath2)
		}
	}

	vipCfg.SetEnvPrefix(DefaultAppName)
	vipCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vipCfg.AutomaticEnv()

	bindFlag(vipCfg, cmd, "debug", "debug")
	bindFlag(vipCfg, cmd, "log.level", "log-level")
	bindFlag(vipCfg, cmd, "log.format", "log-format")
	bindFlag(vipCfg, cmd, "metrics.listen", "metrics")
	bindFlag(vipCfg, cmd, "sink.csv", "csv")

	if err := vipCfg.ReadInConfig(); err == nil {
		pkg.LogDebug(pkg.ComponentApp, "using config file", "path", vipCfg.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("%w: config: %w", pkg.ErrStartup, err)
		}
		pkg.LogDebug(pkg.ComponentApp, "no config file found, using defaults")
	}

	opt := NewIMUStreamOpt()
	opt.Devices = nil
	if err := vipCfg.Unmarshal(&opt); err != nil {
		return fmt.Errorf("%w: config: %w", pkg.ErrStartup, err)
	}
	if len(opt.Devices) == 0 {
		opt.Devices = []DeviceOpt{DefaultDevice()}
	}

	o.Opt = opt
	o.Viper = vipCfg
	return nil
}

func bindFlag(vipCfg *viper.Viper, cmd *cobra.Command, key, name string) {
	if f := cmd.Flags().Lookup(name); f != nil {
		_ = vipCfg.BindPFlag(key, f)
	}
}

// PostParse applies the logging options.
func (o *IMUStreamDesc) PostParse() {
	pkg.SetLogFormat(pkg.ParseLogFormat(o.Opt.Log.Format))
	if o.Opt.Debug {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(pkg.ParseLogLevel(o.Opt.Log.Level))
	}
}

func (o *IMUStreamDesc) SaveConfig() error {
	if o.Viper == nil {
		return errors.New("viper is nil")
	}
	return writeOption(o.Opt, o.Viper.ConfigFileUsed())
}

func writeOption(opt any, outputPath string) error {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)
	s, err := yaml.Marshal(opt)
	if err != nil {
		return err
	}
	if _, err = w.Write(s); err != nil {
		return err
	}
	return w.Flush()
}

// PoolSlots returns the total pool capacity: the per-device slot count
// times the number of configured devices.
func (o *IMUStreamOpt) PoolSlots() int {
	return o.Queue.Pool.Slots * len(o.Devices)
}

// Validate checks the option table before anything is built.
func (o *IMUStreamOpt) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{pkg.ErrInvalidParameter}, args...)...))
	}

	if o.Queue.Submissions <= 0 {
		fail("queue.submissions must be positive, got %d", o.Queue.Submissions)
	}
	if o.Queue.Completions <= 0 {
		fail("queue.completions must be positive, got %d", o.Queue.Completions)
	}
	if o.Queue.Pool.Slots <= 0 || o.Queue.Pool.SlotSize <= 0 || o.Queue.Pool.BlockSize < 0 {
		fail("queue.pool slots=%d slot_size=%d block_size=%d",
			o.Queue.Pool.Slots, o.Queue.Pool.SlotSize, o.Queue.Pool.BlockSize)
	}
	if total := o.PoolSlots(); o.Queue.Pool.Slots > 0 && len(o.Devices) > 0 && o.Queue.Completions >= total {
		fail("queue.completions %d must be less than the %d pool slots of %d devices",
			o.Queue.Completions, total, len(o.Devices))
	}
	if o.Queue.Submissions < len(o.Devices) {
		fail("queue.submissions %d is less than the %d configured devices", o.Queue.Submissions, len(o.Devices))
	}
	for name, n := range map[string]int{
		"accel_batch": o.Dispatch.AccelBatch,
		"gyro_batch":  o.Dispatch.GyroBatch,
		"temp_batch":  o.Dispatch.TempBatch,
		"magn_batch":  o.Dispatch.MagnBatch,
	} {
		if n <= 0 {
			fail("dispatch.%s must be positive, got %d", name, n)
		}
	}

	if len(o.Devices) == 0 || len(o.Devices) > MaxDevices {
		fail("%d devices configured, want 1 to %d", len(o.Devices), MaxDevices)
	}
	seen := make(map[string]bool, len(o.Devices))
	for i, d := range o.Devices {
		if d.Name == "" {
			fail("devices[%d] has no name", i)
		} else if seen[d.Name] {
			fail("device %q configured twice", d.Name)
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks one device row.
func (d *DeviceOpt) Validate() error {
	switch d.Format.Name {
	case FormatLSM6DSV16X, FormatLIS2DUX12:
	default:
		return fmt.Errorf("%w: device %q: format %q", pkg.ErrNotSupported, d.Name, d.Format.Name)
	}
	switch d.Source.Kind {
	case SourceSim:
	case SourceFIFO, SourceSerial:
		if d.Source.Path == "" {
			return fmt.Errorf("%w: device %q: %s source needs a path", pkg.ErrInvalidParameter, d.Name, d.Source.Kind)
		}
	default:
		return fmt.Errorf("%w: device %q: source %q", pkg.ErrNotSupported, d.Name, d.Source.Kind)
	}
	if _, err := d.ChannelSpecs(); err != nil {
		return fmt.Errorf("device %q: %w", d.Name, err)
	}
	if _, err := d.TriggerSpecs(); err != nil {
		return fmt.Errorf("device %q: %w", d.Name, err)
	}
	return nil
}

// ChannelSpecs parses the channel list.
func (d *DeviceOpt) ChannelSpecs() ([]sensor.ChannelSpec, error) {
	if len(d.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", pkg.ErrInvalidParameter)
	}
	specs := make([]sensor.ChannelSpec, 0, len(d.Channels))
	for _, s := range d.Channels {
		name, index, hasIndex := strings.Cut(s, ":")
		kind, err := sensor.ParseChannelKind(name)
		if err != nil {
			return nil, err
		}
		spec := sensor.ChannelSpec{Kind: kind}
		if hasIndex {
			n, err := strconv.ParseUint(strings.TrimSpace(index), 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: channel index %q", pkg.ErrInvalidParameter, s)
			}
			spec.Index = uint8(n)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// TriggerSpecs parses the trigger list. A trigger without a policy
// includes the data.
func (d *DeviceOpt) TriggerSpecs() ([]sensor.TriggerSpec, error) {
	specs := make([]sensor.TriggerSpec, 0, len(d.Triggers))
	for _, s := range d.Triggers {
		name, policy, hasPolicy := strings.Cut(s, ":")
		kind, err := sensor.ParseTriggerKind(name)
		if err != nil {
			return nil, err
		}
		spec := sensor.TriggerSpec{Kind: kind, Policy: sensor.PolicyInclude}
		if hasPolicy {
			if spec.Policy, err = sensor.ParseStreamPolicy(policy); err != nil {
				return nil, err
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// InitCfg prepares config for the application
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	desc := NewIMUStreamDesc()
	err := desc.Parse(cmd)
	if err != nil {
		pkg.LogError(pkg.ComponentApp, "cannot parse configuration", "error", err)
		return err
	}

	if printFlag {
		configBuffer, err := yaml.Marshal(desc.Opt)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(configBuffer))
		return err
	}
	return DumpOption(desc.Opt, outputPath, overwriteFlag)
}

// DumpOption writes opt to outputPath, creating its directory. An existing
// file is only replaced when overwrite is set.
func DumpOption(opt any, outputPath string, overwrite bool) error {
	parentPath := path.Dir(outputPath)
	if err := os.MkdirAll(parentPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", parentPath, err)
	}

	if !overwrite {
		if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
			return fmt.Errorf("%w: configuration %s already exists, use --yes to overwrite",
				pkg.ErrInvalidParameter, outputPath)
		}
	}

	pkg.LogInfo(pkg.ComponentApp, "writing default configuration", "path", outputPath)
	return writeOption(opt, outputPath)
}
