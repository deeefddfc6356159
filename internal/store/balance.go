package store

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"bmsnet/internal/model"
)

// BalanceFile keeps a slave's balancing configuration in a YAML file.
type BalanceFile struct {
	path string

	mu  sync.Mutex
	cfg model.BalanceConfig
}

// OpenBalanceFile loads path, falling back to the firmware defaults when the
// file does not exist yet.
func OpenBalanceFile(path string) (*BalanceFile, error) {
	f := &BalanceFile{path: path, cfg: model.DefaultBalanceConfig()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &f.cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// NewBalanceMemory returns a store that keeps the configuration in memory only.
func NewBalanceMemory() *BalanceFile {
	return &BalanceFile{cfg: model.DefaultBalanceConfig()}
}

func (f *BalanceFile) Load() model.BalanceConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *BalanceFile) Store(cfg model.BalanceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "" {
		if err := writeFileAtomic(f.path, data, 0o600); err != nil {
			return err
		}
	}
	f.cfg = cfg
	return nil
}
