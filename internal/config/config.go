package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"bmsnet/internal/logging"
	"bmsnet/internal/model"
)

const (
	DefaultDiscoveryInterval  = 5 * time.Second
	DefaultSyncInterval       = 10 * time.Second
	DefaultPollInterval       = 5 * time.Second
	DefaultConfigInterval     = 30 * time.Second
	DefaultEvictInterval      = 30 * time.Second
	DefaultPeerTTL            = time.Hour
	DefaultSyncDeadline       = 200 * time.Millisecond
	DefaultSyncTimeout        = 10 * time.Second
	DefaultSupervisorInterval = 5 * time.Second
	DefaultLinkListen         = ":47000"
	DefaultQueueDepth         = 32
	DefaultFirmwareVersion    = "1.0.0.0"
	DefaultHardwareVersion    = "1.0.0.0"
	DefaultMetricsWindow      = 5 * time.Minute

	SyncTargetUnicast   = "unicast"
	SyncTargetBroadcast = "broadcast"
)

// Config holds both master and slave settings. A process runs one role.
type Config struct {
	Master *MasterConfig  `yaml:"master,omitempty" toml:"master,omitempty"`
	Slave  *SlaveConfig   `yaml:"slave,omitempty" toml:"slave,omitempty"`
	Link   LinkConfig     `yaml:"link" toml:"link"`
	Log    logging.Config `yaml:"log" toml:"log"`
}

// MasterConfig is used by the coordinator process.
type MasterConfig struct {
	NodeID            string              `yaml:"node_id" toml:"node_id"`
	DiscoveryInterval time.Duration       `yaml:"discovery_interval" toml:"discovery_interval"`
	SyncInterval      time.Duration       `yaml:"sync_interval" toml:"sync_interval"`
	PollInterval      time.Duration       `yaml:"poll_interval" toml:"poll_interval"`
	ConfigInterval    time.Duration       `yaml:"config_interval" toml:"config_interval"`
	EvictInterval     time.Duration       `yaml:"evict_interval" toml:"evict_interval"`
	PeerTTL           time.Duration       `yaml:"peer_ttl" toml:"peer_ttl"`
	SyncDeadline      time.Duration       `yaml:"sync_deadline" toml:"sync_deadline"`
	SyncTarget        string              `yaml:"sync_target" toml:"sync_target"`
	Balance           model.BalanceConfig `yaml:"balance" toml:"balance"`
	SnapshotPath      string              `yaml:"snapshot_path" toml:"snapshot_path"`
	SyncCSVPath       string              `yaml:"sync_csv_path" toml:"sync_csv_path"`
	Listen            string              `yaml:"listen" toml:"listen"`
}

// SlaveConfig is used by the agent running on a string monitor.
type SlaveConfig struct {
	NodeID             string        `yaml:"node_id" toml:"node_id"`
	StringAddress      uint8         `yaml:"string_address" toml:"string_address"`
	CellCount          uint16        `yaml:"cell_count" toml:"cell_count"`
	TempCount          uint16        `yaml:"temp_count" toml:"temp_count"`
	FirmwareVersion    string        `yaml:"firmware_version" toml:"firmware_version"`
	HardwareVersion    string        `yaml:"hardware_version" toml:"hardware_version"`
	SyncTimeout        time.Duration `yaml:"sync_timeout" toml:"sync_timeout"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval" toml:"supervisor_interval"`
	ConfigPath         string        `yaml:"config_path" toml:"config_path"`
	Simulation         SimConfig     `yaml:"simulation" toml:"simulation"`
}

// SimConfig drives the simulated measurement source used on hosts without
// acquisition hardware.
type SimConfig struct {
	CellVoltage float32 `yaml:"cell_voltage" toml:"cell_voltage"`
	Spread      float32 `yaml:"spread" toml:"spread"`
	Temperature float32 `yaml:"temperature" toml:"temperature"`
}

// LinkConfig describes the UDP emulation of the radio link.
type LinkConfig struct {
	Listen     string   `yaml:"listen" toml:"listen"`
	Peers      []string `yaml:"peers" toml:"peers"`
	QueueDepth int      `yaml:"queue_depth" toml:"queue_depth"`
}

// Load reads a YAML or TOML config file, chosen by extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	logging.ApplyEnv(&cfg.Log)
	return cfg, nil
}

// Save writes a config file to disk in the format implied by its extension.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)

	var data []byte
	if isTOML(path) {
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return err
		}
		data = []byte(b.String())
	} else {
		var err error
		data, err = yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Master == nil && cfg.Slave == nil {
		return fmt.Errorf("config must contain master or slave section")
	}
	if cfg.Master != nil {
		if err := validateNodeID("master.node_id", cfg.Master.NodeID); err != nil {
			return err
		}
		switch cfg.Master.SyncTarget {
		case SyncTargetUnicast, SyncTargetBroadcast:
		default:
			return fmt.Errorf("master.sync_target must be %q or %q", SyncTargetUnicast, SyncTargetBroadcast)
		}
		balance := model.DefaultBalanceConfig()
		if rejected := balance.Merge(cfg.Master.Balance); len(rejected) > 0 {
			return fmt.Errorf("master.balance out of range: %s", strings.Join(rejected, ", "))
		}
	}
	if cfg.Slave != nil {
		if err := validateNodeID("slave.node_id", cfg.Slave.NodeID); err != nil {
			return err
		}
		id := model.Identity{
			StringAddress: cfg.Slave.StringAddress,
			CellCount:     cfg.Slave.CellCount,
			TempCount:     cfg.Slave.TempCount,
		}
		if err := id.Validate(); err != nil {
			return fmt.Errorf("slave: %w", err)
		}
	}
	if cfg.Link.Listen == "" {
		return fmt.Errorf("link.listen is required")
	}
	return nil
}

func validateNodeID(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	id, err := model.ParseNodeID(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if id.IsBroadcast() {
		return fmt.Errorf("%s must not be the broadcast address", field)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Master != nil {
		cfg.Master.ApplyDefaults()
	}
	if cfg.Slave != nil {
		cfg.Slave.ApplyDefaults()
	}

	if cfg.Link.Listen == "" {
		cfg.Link.Listen = DefaultLinkListen
	}
	if cfg.Link.QueueDepth == 0 {
		cfg.Link.QueueDepth = DefaultQueueDepth
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = logging.DefaultConfig().Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = logging.DefaultConfig().Format
	}
}

// ApplyDefaults fills in master defaults when empty.
func (m *MasterConfig) ApplyDefaults() {
	setDuration(&m.DiscoveryInterval, DefaultDiscoveryInterval)
	setDuration(&m.SyncInterval, DefaultSyncInterval)
	setDuration(&m.PollInterval, DefaultPollInterval)
	setDuration(&m.ConfigInterval, DefaultConfigInterval)
	setDuration(&m.EvictInterval, DefaultEvictInterval)
	setDuration(&m.PeerTTL, DefaultPeerTTL)
	setDuration(&m.SyncDeadline, DefaultSyncDeadline)
	if m.SyncTarget == "" {
		m.SyncTarget = SyncTargetUnicast
	}
	if m.Balance == (model.BalanceConfig{}) {
		m.Balance = model.DefaultBalanceConfig()
	}
}

// ApplyDefaults fills in slave defaults when empty.
func (s *SlaveConfig) ApplyDefaults() {
	setDuration(&s.SyncTimeout, DefaultSyncTimeout)
	setDuration(&s.SupervisorInterval, DefaultSupervisorInterval)
	if s.FirmwareVersion == "" {
		s.FirmwareVersion = DefaultFirmwareVersion
	}
	if s.HardwareVersion == "" {
		s.HardwareVersion = DefaultHardwareVersion
	}
	if s.Simulation.CellVoltage == 0 {
		s.Simulation.CellVoltage = 3.3
	}
	if s.Simulation.Temperature == 0 {
		s.Simulation.Temperature = 25
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
