package cfg

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// RecoveryConfig is what recoveryctl loads before driving recover():
// where the log partitions and device volumes live, the policy to run
// recovery under, and the buffer pool sizing that governs it.
type RecoveryConfig struct {
	Environment Environment `mapstructure:"ENVIRONMENT"`

	LogDir    string `mapstructure:"LOG_DIR"`
	VolumeDir string `mapstructure:"VOLUME_DIR"`

	BufferPoolPages uint64 `mapstructure:"BUFFER_POOL_PAGES"`

	// Concurrency selects the coordinator's ConcurrencyPolicy axis
	// ("serial", "concurrent_by_commit_lsn", "concurrent_by_locks").
	Concurrency string `mapstructure:"CONCURRENCY"`
}

func LoadConfig(path string) (RecoveryConfig, error) {
	if path == "" {
		path = "."
	}

	viper.AddConfigPath(path)
	viper.SetConfigType("env")
	viper.SetConfigName(".env")
	viper.SetEnvPrefix("ARIESDB")
	viper.AutomaticEnv()

	viper.SetOptions(viper.ExperimentalBindStruct())

	viper.SetDefault("ENVIRONMENT", DefaultEnv)
	viper.SetDefault("LOG_DIR", "./data/log")
	viper.SetDefault("VOLUME_DIR", "./data/volumes")
	viper.SetDefault("BUFFER_POOL_PAGES", 1024)
	viper.SetDefault("CONCURRENCY", "serial")

	err := viper.ReadInConfig()
	if err != nil {
		fmt.Println("config file not found, using env vars")
	}

	var cfg RecoveryConfig

	err = viper.Unmarshal(&cfg)
	if err != nil {
		return RecoveryConfig{}, fmt.Errorf("viper unmarshaling config: %w", err)
	}

	err = cfg.Environment.Validate()
	if err != nil {
		return RecoveryConfig{}, fmt.Errorf("environment validation: %w", err)
	}

	if cfg.BufferPoolPages == 0 {
		return RecoveryConfig{}, errors.New("buffer pool pages must be greater than zero")
	}

	return cfg, nil
}

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}
