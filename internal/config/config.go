package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

const devSecret = "dev-secret-change-in-production-min-32-chars"

// SimulatedDevice is the device added when the simulator runs without any
// configured devices.
const SimulatedDevice = "sim0"

type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Protocol    ProtocolConfig    `mapstructure:"protocol"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Devices     []DeviceConfig    `mapstructure:"devices"`
	Tests       TestsConfig       `mapstructure:"tests"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
}

type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Development bool     `mapstructure:"development"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type ProtocolConfig struct {
	uart.Timing `mapstructure:",squash"`
	BaudRate    int `mapstructure:"baud_rate"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// DeviceConfig names one serial link. Tests refer to it by Name.
type DeviceConfig struct {
	Name      string `mapstructure:"name"`
	Port      string `mapstructure:"port"`
	BaudRate  int    `mapstructure:"baud_rate"`
	Simulated bool   `mapstructure:"simulated"`
}

type TestsConfig struct {
	Files []string `mapstructure:"files"`
}

type CalibrationConfig struct {
	Points []calibration.Point `mapstructure:"points"`
}

// Table builds the temperature table, falling back to the bench sensor.
func (c CalibrationConfig) Table() (*calibration.Table, error) {
	if len(c.Points) == 0 {
		return calibration.Default(), nil
	}
	return calibration.New(c.Points)
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // none, postgres or sqlite
	Postgres DatabaseConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	// LogMeasurements writes every tick record to the log as well.
	LogMeasurements bool `mapstructure:"log_measurements"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"` // overrides the fields below
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecretEnv    string        `mapstructure:"jwt_secret_env"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	OperatorKeyHash string        `mapstructure:"operator_key_hash"`
	// MachineTokenHashes are SHA-256 digests of accepted machine tokens.
	MachineTokenHashes []string `mapstructure:"machine_token_hashes"`
}

// SimulatorConfig replaces every serial device with the in-process bench
// model when Enabled is set.
type SimulatorConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	CapacityAh         float64 `mapstructure:"capacity_ah"`
	InternalResistance float64 `mapstructure:"internal_resistance"`
	InitialSoC         float64 `mapstructure:"initial_soc"`
	TimeScale          float64 `mapstructure:"time_scale"`
}

var ErrInvalidConfig = errors.New("invalid config")

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_paths", []string{"stderr"})

	v.SetDefault("protocol.first_byte_timeout", uart.DefaultFirstByteTimeout)
	v.SetDefault("protocol.inter_byte_timeout", uart.DefaultInterByteTimeout)
	v.SetDefault("protocol.poll_interval", uart.DefaultPollInterval)
	v.SetDefault("protocol.max_retries", uart.DefaultMaxRetries)
	v.SetDefault("protocol.max_frame_len", uart.DefaultMaxFrameLen)
	v.SetDefault("protocol.baud_rate", uart.DefaultBaudRate)

	v.SetDefault("scheduler.tick_interval", "1s")

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "cellcycler")
	v.SetDefault("storage.postgres.max_connections", 4)
	v.SetDefault("storage.sqlite.path", "cellcycler.db")
	v.SetDefault("storage.log_measurements", true)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("auth.jwt_secret_env", "OCC_JWT_SECRET")
	v.SetDefault("auth.token_ttl", "60m")

	v.SetDefault("simulator.enabled", false)
	v.SetDefault("simulator.capacity_ah", 2.5)
	v.SetDefault("simulator.internal_resistance", 0.05)
	v.SetDefault("simulator.initial_soc", 0.5)
	v.SetDefault("simulator.time_scale", 1.0)
}

// Load reads the YAML config at path. Environment variables prefixed OCC_
// (OCC_SERVER_HTTP_PORT, ...) and the flags in fs override file values. path
// may be empty to run on defaults and environment alone.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for key, flag := range map[string]string{
			"simulator.enabled": "simulate",
			"logging.level":     "log-level",
			"tests.files":       "test",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Simulator.Enabled && len(config.Devices) == 0 {
		config.Devices = []DeviceConfig{{Name: SimulatedDevice, Simulated: true}}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := c.Protocol.Timing.Validate(); err != nil {
		return fmt.Errorf("%w: protocol: %w", ErrInvalidConfig, err)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("%w: scheduler.tick_interval must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.TickInterval <= c.Protocol.Timing.FirstByteTimeout {
		return fmt.Errorf("%w: scheduler.tick_interval %s must exceed the first-byte timeout %s",
			ErrInvalidConfig, c.Scheduler.TickInterval, c.Protocol.Timing.FirstByteTimeout)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: devices[%d]: name missing", ErrInvalidConfig, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: devices: duplicate name %q", ErrInvalidConfig, d.Name)
		}
		seen[d.Name] = true
		if d.Port == "" && !d.Simulated && !c.Simulator.Enabled {
			return fmt.Errorf("%w: device %q: port missing", ErrInvalidConfig, d.Name)
		}
	}

	switch c.Storage.Driver {
	case "none", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}

	if _, err := c.Calibration.Table(); err != nil {
		return fmt.Errorf("%w: calibration: %w", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultDevice is the device assigned to tests that do not name one.
func (c *Config) DefaultDevice() string {
	if len(c.Devices) == 0 {
		return ""
	}
	return c.Devices[0].Name
}

// Device returns the device named name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "OCC_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
