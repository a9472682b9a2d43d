package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	TCPPort     string `toml:"tcp_port"`
	MetricsPort string `toml:"metrics_port"`
	LogLevel    string `toml:"log_level"`

	// Ingesta: cadena vacía deshabilita el sink.
	GRPCServer  string        `toml:"grpc_server"`
	GRPCTimeout time.Duration `toml:"grpc_timeout"`
	RedisAddr   string        `toml:"redis_addr"`
	RedisDB     int           `toml:"redis_db"`
	ProxyAddr   string        `toml:"proxy_addr"`

	// Protocolo
	MaxFrameLen            uint32        `toml:"max_frame_len"`
	MaxConsecutiveFailures int           `toml:"max_consecutive_failures"`
	IdleTimeout            time.Duration `toml:"idle_timeout"`
	AllowUnknownIMEI       bool          `toml:"allow_unknown_imei"`
	Commands               bool          `toml:"commands"`

	// Traza cruda de lo recibido, patrón strftime relativo a RawLogDir.
	RawLogDir     string `toml:"raw_log_dir"`
	RawLogPattern string `toml:"raw_log_pattern"`
}

func Defaults() Config {
	return Config{
		TCPPort:                "8001",
		MetricsPort:            "9000",
		LogLevel:               "info",
		GRPCServer:             "localhost:50051",
		GRPCTimeout:            5 * time.Second,
		RedisAddr:              "localhost:6379",
		MaxFrameLen:            4096,
		MaxConsecutiveFailures: 5,
		IdleTimeout:            5 * time.Minute,
		AllowUnknownIMEI:       true,
		Commands:               true,
		RawLogPattern:          "ALLTRACKINGS_%Y%m%d.log",
	}
}

// Load: defaults, luego el archivo TOML (si path != ""), luego variables de entorno.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.TCPPort = getEnv("TCP_PORT", cfg.TCPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	// en sinks y traza, la variable definida pero vacía deshabilita
	cfg.GRPCServer = lookupEnv("GRPC_SERVER", cfg.GRPCServer)
	cfg.RedisAddr = lookupEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ProxyAddr = lookupEnv("PROXY_ADDR", cfg.ProxyAddr)
	cfg.RawLogDir = lookupEnv("RAW_LOG_DIR", cfg.RawLogDir)

	var errs []error
	if v, ok := os.LookupEnv("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("REDIS_DB", err))
		cfg.RedisDB = n
	}
	if v, ok := os.LookupEnv("MAX_FRAME_LEN"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		errs = append(errs, envErr("MAX_FRAME_LEN", err))
		cfg.MaxFrameLen = uint32(n)
	}
	if v, ok := os.LookupEnv("MAX_CONSECUTIVE_FAILURES"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("MAX_CONSECUTIVE_FAILURES", err))
		cfg.MaxConsecutiveFailures = n
	}
	if v, ok := os.LookupEnv("IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("IDLE_TIMEOUT", err))
		cfg.IdleTimeout = d
	}
	if v, ok := os.LookupEnv("GRPC_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("GRPC_TIMEOUT", err))
		cfg.GRPCTimeout = d
	}
	if v, ok := os.LookupEnv("ALLOW_UNKNOWN_IMEI"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("ALLOW_UNKNOWN_IMEI", err))
		cfg.AllowUnknownIMEI = b
	}
	if v, ok := os.LookupEnv("COMMANDS"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("COMMANDS", err))
		cfg.Commands = b
	}
	return errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("config: invalid %s: %w", key, err)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func lookupEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func (c Config) Validate() error {
	var errs []error
	if c.TCPPort == "" {
		errs = append(errs, errors.New("config: tcp_port is required"))
	}
	if c.MaxFrameLen < 3 {
		errs = append(errs, fmt.Errorf("config: max_frame_len %d too small", c.MaxFrameLen))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, fmt.Errorf("config: max_consecutive_failures %d must be >= 0", c.MaxConsecutiveFailures))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: idle_timeout %s must be >= 0", c.IdleTimeout))
	}
	if c.RedisAddr == "" && !c.AllowUnknownIMEI {
		errs = append(errs, errors.New("config: allow_unknown_imei=false requires redis_addr"))
	}
	return errors.Join(errs...)
}
