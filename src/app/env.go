package app

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// envVars is the flag-free bootstrap config recoveryctl reads before
// cfg.RecoveryConfig's viper layer is available: just enough to pick
// a logger and locate the data directories.
type envVars struct {
	Environment string `split_words:"true"`

	LogDir    string `split_words:"true"`
	VolumeDir string `split_words:"true"`
}

// loadEnv seeds the process environment from a .env file in the
// working directory (if one exists) and validates the bootstrap
// variables. cfg.LoadConfig picks the same variables up afterwards
// through viper's automatic-env layer.
func loadEnv() (envVars, error) {
	_ = godotenv.Load()

	var env envVars
	if err := envconfig.Process("ARIESDB", &env); err != nil {
		return envVars{}, err
	}

	if env.Environment != "" && env.Environment != EnvDev && env.Environment != EnvProd {
		return envVars{}, fmt.Errorf("invalid environment %q", env.Environment)
	}

	return env, nil
}
