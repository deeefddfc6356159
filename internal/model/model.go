package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain bounds shared by the codec, the registry and both roles.
const (
	MaxStringAddress = 15
	MaxCells         = 32
	MaxTemps         = 4

	MinCellVoltage   = 0.0
	MaxCellVoltage   = 5.0
	MinTemperature   = -50.0
	MaxTemperature   = 150.0
	MinStringVoltage = 0.0
	MaxStringVoltage = MaxCells * MaxCellVoltage
)

var ErrOutOfRange = errors.New("field out of range")

// NodeID is the 6-byte hardware address of a node on the link.
type NodeID [6]byte

// Broadcast addresses every node on the link.
var Broadcast = NodeID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (id NodeID) IsBroadcast() bool { return id == Broadcast }

func (id NodeID) IsZero() bool { return id == NodeID{} }

// String formats the id as colon separated hex, e.g. 24:0a:c4:aa:bb:cc.
func (id NodeID) String() string {
	var b strings.Builder
	for i, v := range id {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", v)
	}
	return b.String()
}

// ParseNodeID accepts colon, dash or unseparated hex.
func ParseNodeID(s string) (NodeID, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return NodeID{}, fmt.Errorf("node id %q: %w", s, err)
	}
	if len(raw) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("node id %q: want 6 bytes, got %d", s, len(raw))
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Identity is what a slave announces about itself in HELLO.
type Identity struct {
	StringAddress   uint8  `yaml:"string_address" json:"string_address"`
	CellCount       uint16 `yaml:"cell_count" json:"cell_count"`
	TempCount       uint16 `yaml:"temp_count" json:"temp_count"`
	FirmwareVersion string `yaml:"firmware_version" json:"firmware_version"`
	HardwareVersion string `yaml:"hardware_version" json:"hardware_version"`
}

// Validate checks the announced counts against the system limits.
func (i Identity) Validate() error {
	if i.StringAddress > MaxStringAddress {
		return fmt.Errorf("%w: string_address=%d", ErrOutOfRange, i.StringAddress)
	}
	if i.CellCount > MaxCells {
		return fmt.Errorf("%w: cell_count=%d", ErrOutOfRange, i.CellCount)
	}
	if i.TempCount > MaxTemps {
		return fmt.Errorf("%w: temp_count=%d", ErrOutOfRange, i.TempCount)
	}
	return nil
}

// Measurement is one snapshot of a string as reported in DATA.
type Measurement struct {
	CellVoltages  []float32 `yaml:"cell_voltages" json:"cell_voltages"`
	StringVoltage float32   `yaml:"string_voltage" json:"string_voltage"`
	Temperatures  []float32 `yaml:"temperatures" json:"temperatures"`
}

func CellVoltageValid(v float32) bool {
	return v >= MinCellVoltage && v <= MaxCellVoltage
}

func TemperatureValid(v float32) bool {
	return v >= MinTemperature && v <= MaxTemperature
}

func StringVoltageValid(v float32) bool {
	return v >= MinStringVoltage && v <= MaxStringVoltage
}

// BalanceConfig is the CONF payload: cell balancing parameters.
type BalanceConfig struct {
	StartVoltage float32 `yaml:"start_voltage" toml:"start_voltage" json:"start_voltage"`
	Threshold    float32 `yaml:"threshold" toml:"threshold" json:"threshold"`
	Enabled      bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	ExternalEn   bool    `yaml:"external_enabled" toml:"external_enabled" json:"external_enabled"`
}

// Balance config bounds.
const (
	MinBalanceStart     = 2.8
	MaxBalanceStart     = 3.8
	MinBalanceThreshold = 0.005
	MaxBalanceThreshold = 0.100
)

// DefaultBalanceConfig mirrors the firmware defaults.
func DefaultBalanceConfig() BalanceConfig {
	return BalanceConfig{
		StartVoltage: 3.4,
		Threshold:    0.01,
		Enabled:      true,
		ExternalEn:   false,
	}
}

// Merge applies in-range fields from in onto c and returns the names of the
// fields it rejected. Rejected fields keep their previous value.
func (c *BalanceConfig) Merge(in BalanceConfig) []string {
	var rejected []string
	if in.StartVoltage >= MinBalanceStart && in.StartVoltage <= MaxBalanceStart {
		c.StartVoltage = in.StartVoltage
	} else {
		rejected = append(rejected, "bal_start_v")
	}
	if in.Threshold >= MinBalanceThreshold && in.Threshold <= MaxBalanceThreshold {
		c.Threshold = in.Threshold
	} else {
		rejected = append(rejected, "bal_threshold")
	}
	c.Enabled = in.Enabled
	c.ExternalEn = in.ExternalEn
	return rejected
}

// PeerRecord is the master's view of one slave.
type PeerRecord struct {
	ID NodeID `yaml:"node_id" json:"node_id"`
	Identity `yaml:",inline"`

	// LastSeen is a monotonic timestamp in microseconds.
	LastSeen   uint64 `yaml:"last_seen_us" json:"last_seen_us"`
	Synced     bool   `yaml:"synced" json:"synced"`
	Configured bool   `yaml:"configured" json:"configured"`
	// ConfPending is set while a CONF has been sent without a CONF_ACK.
	ConfPending bool `yaml:"conf_pending" json:"conf_pending"`

	Measurement `yaml:",inline"`
}

// SyncSample is one completed sync round as seen by the master.
type SyncSample struct {
	Timestamp   time.Time
	NodeID      string
	OffsetUS    int64
	RoundTripUS int64
}
