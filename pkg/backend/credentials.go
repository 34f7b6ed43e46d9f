package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Transport запрошенный транспорт сигнализации
type Transport string

const (
	TransportDatagram        Transport = "datagram"
	TransportStream          Transport = "stream"
	TransportWebSocketSecure Transport = "websocket-secure"
)

const (
	DefaultPort   = 5060
	DefaultWSPath = "/ws"
)

// ParseTransport разбирает имя транспорта. Поддерживаются псевдонимы udp, tcp, wss.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wss", "websocket-secure", "ws":
		return TransportWebSocketSecure, nil
	case "udp", "datagram":
		return TransportDatagram, nil
	case "tcp", "stream":
		return TransportStream, nil
	}
	return "", Errorf(CodeInvalidArgument, "неизвестный транспорт %q", s)
}

// Native сообщает, что транспорт обслуживается нативным движком
func (t Transport) Native() bool {
	return t == TransportDatagram || t == TransportStream
}

// Network имя сети для нативного движка
func (t Transport) Network() string {
	if t == TransportStream {
		return "tcp"
	}
	return "udp"
}

// Credentials учетные данные регистрации
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Server имя хоста или полный URL ws:// / wss://
	Server    string    `json:"server" yaml:"server"`
	Port      int       `json:"port,omitempty" yaml:"port"`
	Transport Transport `json:"transport,omitempty" yaml:"transport"`
	WSPath    string    `json:"wsPath,omitempty" yaml:"ws_path"`
}

// Validate проверяет обязательные поля и заполняет значения по умолчанию
func (c *Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return NewError(CodeInvalidArgument, "не указано имя пользователя")
	}
	if strings.TrimSpace(c.Server) == "" {
		return NewError(CodeInvalidArgument, "не указан сервер")
	}
	t, err := ParseTransport(string(c.Transport))
	if err != nil {
		return err
	}
	c.Transport = t
	if c.Port < 0 || c.Port > 65535 {
		return Errorf(CodeInvalidArgument, "некорректный порт %d", c.Port)
	}
	if c.Port == 0 && !c.isURL() {
		c.Port = DefaultPort
	}
	if c.WSPath == "" {
		c.WSPath = DefaultWSPath
	}
	return nil
}

func (c Credentials) isURL() bool {
	return strings.HasPrefix(c.Server, "ws://") || strings.HasPrefix(c.Server, "wss://")
}

// Domain домен учетной записи: хост сервера без схемы и порта
func (c Credentials) Domain() string {
	if c.isURL() {
		if u, err := url.Parse(c.Server); err == nil {
			return u.Hostname()
		}
	}
	host := c.Server
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			host = host[:i]
		}
	}
	return host
}

// WebSocketURL адрес WebSocket сервера сигнализации
func (c Credentials) WebSocketURL() string {
	if c.isURL() {
		return c.Server
	}
	path := c.WSPath
	if path == "" {
		path = DefaultWSPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("wss://%s:%d%s", c.Domain(), port, path)
}

// Redacted копия без пароля для логов
func (c Credentials) Redacted() Credentials {
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}
