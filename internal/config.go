package internal

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	IdleThreshold      time.Duration `env:"IDLE_THRESHOLD,default=12h" validate:"gt=0"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL,default=5m" validate:"gt=0,ltfield=IdleThreshold"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL,default=30s" validate:"gt=0"`
	ReportInterval     time.Duration `env:"REPORT_INTERVAL,default=1m" validate:"gt=0"`
	OutboundQueueSize  int           `env:"OUTBOUND_QUEUE_SIZE,default=256" validate:"gt=0"`
	ReplayWindow       int           `env:"REPLAY_WINDOW,default=0" validate:"gte=0"`
	JoinRetries        int           `env:"JOIN_RETRIES,default=3" validate:"gte=0"`
	RestartInterval    time.Duration `env:"RESTART_INTERVAL,default=200ms" validate:"gt=0"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s" validate:"gt=0"`
	BadgerFilepath     string        `env:"BADGER_FILEPATH,required=true" validate:"required"`
	LogLevel           string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	Host               string        `env:"HOST,default=0.0.0.0"`
	Port               int           `env:"PORT,default=8090" validate:"gt=0,lte=65535"`
	DebugPort          int           `env:"DEBUG_PORT,default=8091" validate:"gt=0,lte=65535,nefield=Port"`
}

// LoadConfig reads the configuration from the environment and checks it.
func LoadConfig() (Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
