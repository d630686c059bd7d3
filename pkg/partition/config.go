package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/unijord/partition/pkg/director"
	"github.com/unijord/partition/pkg/replication"
)

// EnvPrefix is the prefix of environment overrides, e.g. PARTITION_DATA_DIR.
const EnvPrefix = "PARTITION"

// ReplicationConfig configures snapshot replication over NATS.
type ReplicationConfig struct {
	// URL of the NATS server. Replication is disabled when empty and no
	// connection is injected.
	URL           string `yaml:"url" envconfig:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	ChunkSize     int    `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
}

// Config configures one partition.
type Config struct {
	PartitionID    string            `yaml:"partition_id" envconfig:"ID"`
	NodeID         string            `yaml:"node_id" envconfig:"NODE_ID"`
	DataDir        string            `yaml:"data_dir" envconfig:"DATA_DIR"`
	SnapshotPeriod time.Duration     `yaml:"snapshot_period" envconfig:"SNAPSHOT_PERIOD"`
	Replication    ReplicationConfig `yaml:"replication" envconfig:"REPLICATION"`
}

// DefaultConfig returns a config with defaults for everything but the ids
// and the data directory.
func DefaultConfig() Config {
	return Config{
		SnapshotPeriod: director.DefaultPeriod,
		Replication: ReplicationConfig{
			SubjectPrefix: replication.DefaultSubjectPrefix,
			ChunkSize:     replication.DefaultChunkSize,
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.PartitionID == "" {
		errs = append(errs, errors.New("partition_id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.SnapshotPeriod <= 0 {
		errs = append(errs, fmt.Errorf("snapshot_period must be positive, got %s", c.SnapshotPeriod))
	}
	if c.Replication.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("replication.chunk_size must be positive, got %d", c.Replication.ChunkSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid partition config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) partitionDir() string {
	return filepath.Join(c.DataDir, "partition-"+c.PartitionID)
}

func (c Config) runtimeDir() string {
	return filepath.Join(c.partitionDir(), "runtime")
}

func (c Config) snapshotDir() string {
	return filepath.Join(c.partitionDir(), "snapshots")
}

func (c Config) journalPath() string {
	return filepath.Join(c.partitionDir(), "journal.db")
}
