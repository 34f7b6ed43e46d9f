// Package history ведет журнал вызовов по потоку снимков сессии
package history

import (
	"fmt"
	"time"
)

// Status итог вызова в журнале
type Status string

const (
	StatusAnswered  Status = "answered"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Direction направление вызова в журнале
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Entry запись журнала. Duration в секундах установленного разговора.
type Entry struct {
	ID          string    `json:"id"`
	Number      string    `json:"number"`
	DisplayName string    `json:"displayName,omitempty"`
	Direction   Direction `json:"direction"`
	Status      Status    `json:"status"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Duration    int64     `json:"duration"`
}

// Config настройки журнала
type Config struct {
	// Path путь к файлу SQLite, ":memory:" для журнала в памяти
	Path string `yaml:"path"`
	// MaxEntries сколько последних записей хранить
	MaxEntries int `yaml:"max_entries"`
}

// DefaultMaxEntries предел журнала по умолчанию
const DefaultMaxEntries = 1000

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Path:       "history.db",
		MaxEntries: DefaultMaxEntries,
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries не может быть отрицательным: %d", c.MaxEntries)
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.Path == "" {
		c.Path = DefaultConfig().Path
	}
	return nil
}
