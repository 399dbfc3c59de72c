package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

// MACConfig mirrors transport.Config. Guards are given in clock ticks
// (1/32768 s); the slot length as a duration.
type MACConfig struct {
	SlotCount             int           `mapstructure:"slotCount"`
	SlotTime              time.Duration `mapstructure:"slotTime"`
	BeaconLossMax         int           `mapstructure:"beaconLossMax"`
	GuardTicks            int64         `mapstructure:"guardTicks"`
	SlotGuardTicks        int64         `mapstructure:"slotGuardTicks"`
	InterpacketGuardTicks int64         `mapstructure:"interpacketGuardTicks"`
	TxQueueLength         int           `mapstructure:"txQueueLength"`
	EventQueueLength      int           `mapstructure:"eventQueueLength"`
	AssociateBackoffMax   int           `mapstructure:"associateBackoffMax"`
	Channel               uint8         `mapstructure:"channel"`
	TxPower               int8          `mapstructure:"txPower"`
}

// Transport converts the section into MAC parameters.
func (m MACConfig) Transport() transport.Config {
	return transport.Config{
		SlotCount:           m.SlotCount,
		SlotTime:            proto.TicksFromDuration(m.SlotTime),
		BeaconLossMax:       m.BeaconLossMax,
		Guard:               proto.Tick(m.GuardTicks),
		SlotGuard:           proto.Tick(m.SlotGuardTicks),
		InterpacketGuard:    proto.Tick(m.InterpacketGuardTicks),
		TxQueueLength:       m.TxQueueLength,
		EventQueueLength:    m.EventQueueLength,
		AssociateBackoffMax: m.AssociateBackoffMax,
		Channel:             m.Channel,
		TxPower:             m.TxPower,
	}
}

// LumberjackConfig configures log file rotation. An empty filename logs to
// stdout only.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
	Path   string `mapstructure:"path"`
}

// DeviceConfig identifies this device on the network. Serial is the
// hardware serial number in hex, low byte first; when set, a node derives its
// address from it instead of Address.
type DeviceConfig struct {
	Address     string `mapstructure:"address"`
	Serial      string `mapstructure:"serial"`
	Coordinator string `mapstructure:"coordinator"`
}

// SimConfig drives the in-process simulation.
type SimConfig struct {
	Nodes        int           `mapstructure:"nodes"`
	Duration     time.Duration `mapstructure:"duration"`
	Loss         float64       `mapstructure:"loss"`
	SendInterval time.Duration `mapstructure:"sendInterval"`
	MaxSkewTicks int64         `mapstructure:"maxSkewTicks"`
}

type HubConfig struct {
	Listen string `mapstructure:"listen"`
	URL    string `mapstructure:"url"`
}

type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

type Config struct {
	MAC     MACConfig     `mapstructure:"mac"`
	Device  DeviceConfig  `mapstructure:"device"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sim     SimConfig     `mapstructure:"sim"`
	Hub     HubConfig     `mapstructure:"hub"`
	Serial  SerialConfig  `mapstructure:"serial"`
}

// Load reads configuration from a YAML/TOML/JSON file and the environment.
// If path is empty, TDMA_CONFIG is tried, then tdma.yaml in the working
// directory or ./configs. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("TDMA_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("tdma")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	// TDMA_MAC_SLOTCOUNT overrides mac.slotCount.
	v.SetEnvPrefix("TDMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.MAC.Transport().Validate(); err != nil {
		return nil, fmt.Errorf("mac config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := transport.DefaultConfig()
	v.SetDefault("mac.slotCount", def.SlotCount)
	v.SetDefault("mac.slotTime", "15ms")
	v.SetDefault("mac.beaconLossMax", def.BeaconLossMax)
	v.SetDefault("mac.guardTicks", int64(def.Guard))
	v.SetDefault("mac.slotGuardTicks", int64(def.SlotGuard))
	v.SetDefault("mac.interpacketGuardTicks", int64(def.InterpacketGuard))
	v.SetDefault("mac.txQueueLength", def.TxQueueLength)
	v.SetDefault("mac.eventQueueLength", def.EventQueueLength)
	v.SetDefault("mac.associateBackoffMax", def.AssociateBackoffMax)
	v.SetDefault("mac.channel", def.Channel)
	v.SetDefault("mac.txPower", def.TxPower)

	v.SetDefault("device.address", "0x0001")
	v.SetDefault("device.serial", "")
	v.SetDefault("device.coordinator", "0x0001")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("sim.nodes", 3)
	v.SetDefault("sim.duration", "10s")
	v.SetDefault("sim.loss", 0.0)
	v.SetDefault("sim.sendInterval", "500ms")
	v.SetDefault("sim.maxSkewTicks", 1000)

	v.SetDefault("hub.listen", ":8765")
	v.SetDefault("hub.url", "ws://localhost:8765/air")

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)
}
