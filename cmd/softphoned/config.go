package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/softphone/pkg/history"
	"github.com/arzzra/softphone/pkg/native"
	"github.com/arzzra/softphone/pkg/selector"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/webrtc"
)

// Config конфигурация демона
type Config struct {
	Session session.Config        `yaml:"session"`
	Native  native.Config         `yaml:"native"`
	WebRTC  webrtc.Config         `yaml:"webrtc"`
	History history.Config        `yaml:"history"`
	API     APIConfig             `yaml:"api"`
	Metrics session.MetricsConfig `yaml:"metrics"`
	Log     LogConfig             `yaml:"log"`
}

// APIConfig HTTP сервер UI
type APIConfig struct {
	Listen string `yaml:"listen"`
	// MetricsPath путь метрик Prometheus, пустой отключает их
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig настройки логирования
type LogConfig struct {
	// Level debug, info, warn, error
	Level string `yaml:"level"`
	// Format text или json
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Native:  native.DefaultConfig(),
		WebRTC:  webrtc.DefaultConfig(),
		History: history.DefaultConfig(),
		API: APIConfig{
			Listen:      "127.0.0.1:8090",
			MetricsPath: "/metrics",
		},
		Metrics: session.DefaultMetricsConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadConfig читает YAML поверх значений по умолчанию. ${VAR} раскрываются
// до разбора. Пустой путь дает конфигурацию по умолчанию.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // путь задает оператор
	if err != nil {
		return cfg, fmt.Errorf("softphoned: load config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("softphoned: parse config: %w", err)
	}
	if err := cfg.Session.Validate(); err != nil {
		return cfg, fmt.Errorf("softphoned: session: %w", err)
	}
	if err := cfg.History.Validate(); err != nil {
		return cfg, fmt.Errorf("softphoned: history: %w", err)
	}
	if cfg.API.Listen == "" {
		return cfg, errors.New("softphoned: api.listen не задан")
	}
	return cfg, nil
}

func (c Config) selector() selector.Config {
	return selector.Config{Native: c.Native, WebRTC: c.WebRTC}
}

// loadDotEnv загружает переменные окружения из path. Отсутствующий файл
// не считается ошибкой.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// newLogger обработчик slog по настройкам
func newLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("softphoned: log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("softphoned: неизвестный формат логов %q", cfg.Format)
}
