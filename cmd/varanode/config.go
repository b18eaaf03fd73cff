package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vara-network/vara-core/pkg/gear/gearconfig"
	"github.com/vara-network/vara-core/pkg/gearlog"
	"github.com/vara-network/vara-core/pkg/monitoring"
)

// Config is the node's fully-resolved configuration: flag defaults
// overridden by config.yaml/environment the same way the teacher's
// loadConfig/createMonitoringConfig/setupLogger layer viper on top of
// cobra flags.
type Config struct {
	DataDir     string
	Ephemeral   bool
	BlockMillis uint64
	MaxBlocks   uint64 // 0 means run until interrupted

	Limits   *gearconfig.Limits
	Schedule *gearconfig.Schedule

	Monitoring *monitoring.Config
	LogLevel   gearlog.Level
	LogJSON    bool
	LogFile    string

	GenesisWasmFile string
	GenesisSalt     string
	GenesisInitHex  string
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func parseLogLevel(s string) gearlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return gearlog.DEBUG
	case "warn":
		return gearlog.WARN
	case "error":
		return gearlog.ERROR
	default:
		return gearlog.INFO
	}
}

// buildConfig folds flag values (the package-level vars main.go's
// PersistentFlags bind to) with whatever loadConfig pulled in from
// config.yaml. A set --data-dir wins over runtime.data_dir; for the
// monitoring ports the config value wins when positive and the flag
// applies only otherwise.
func buildConfig() *Config {
	cfg := &Config{
		DataDir:         dataDir,
		Ephemeral:       ephemeral,
		BlockMillis:     1000,
		MaxBlocks:       maxBlocks,
		Limits:          gearconfig.DefaultLimits(),
		Schedule:        gearconfig.DefaultSchedule(),
		Monitoring:      monitoring.DefaultConfig(),
		LogLevel:        gearlog.INFO,
		GenesisWasmFile: genesisWasmFile,
		GenesisSalt:     genesisSalt,
		GenesisInitHex:  genesisInitHex,
	}

	if v := viper.GetUint64("runtime.block_millis"); v > 0 {
		cfg.BlockMillis = v
	}
	if v := viper.GetUint64("runtime.block_gas_limit"); v > 0 {
		cfg.Limits.BlockGasLimit = v
	}
	if v := viper.GetString("runtime.data_dir"); v != "" && dataDir == "" {
		cfg.DataDir = v
	}

	if levelStr := viper.GetString("logging.level"); levelStr != "" {
		cfg.LogLevel = parseLogLevel(levelStr)
	}
	cfg.LogJSON = strings.ToLower(viper.GetString("logging.format")) == "json"
	cfg.LogFile = viper.GetString("logging.log_file")

	if p := viper.GetInt("monitoring.metrics_port"); p > 0 {
		cfg.Monitoring.MetricsPort = p
	} else if metricsPort > 0 {
		cfg.Monitoring.MetricsPort = metricsPort
	}
	if p := viper.GetInt("monitoring.health_port"); p > 0 {
		cfg.Monitoring.HealthPort = p
	} else if healthPort > 0 {
		cfg.Monitoring.HealthPort = healthPort
	}
	cfg.Monitoring.LogLevel = cfg.LogLevel
	cfg.Monitoring.LogJSON = cfg.LogJSON
	cfg.Monitoring.LogFile = cfg.LogFile
	if iv := viper.GetDuration("monitoring.collect_interval"); iv > 0 {
		cfg.Monitoring.CollectInterval = iv
	} else {
		cfg.Monitoring.CollectInterval = 5 * time.Second
	}

	return cfg
}
