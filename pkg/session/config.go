package session

import (
	"fmt"
	"time"
)

// Config настройки фасада сессии
type Config struct {
	// MailboxSize емкость очереди почтового ящика
	MailboxSize int `yaml:"mailbox_size"`
	// SubscriberBuffer емкость канала подписчика. При переполнении
	// отбрасывается самый старый снимок.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// OperationTimeout предел одной операции адаптера
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// RegisterTimeout предел регистрации, она ограничена сетью
	RegisterTimeout time.Duration `yaml:"register_timeout"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		MailboxSize:      128,
		SubscriberBuffer: 16,
		OperationTimeout: 15 * time.Second,
		RegisterTimeout:  30 * time.Second,
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MailboxSize < 0 {
		return fmt.Errorf("mailbox_size не может быть отрицательным: %d", c.MailboxSize)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer не может быть отрицательным: %d", c.SubscriberBuffer)
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = def.RegisterTimeout
	}
	return nil
}

// MetricsConfig префикс метрик Prometheus
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultMetricsConfig конфигурация метрик по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "softphone",
		Subsystem: "session",
	}
}
