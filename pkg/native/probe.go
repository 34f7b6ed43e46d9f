package native

import "strings"

// Available сообщает, доступен ли нативный движок в текущем окружении:
// задан адрес моста и, если указан, исполняемый файл движка запускаем.
func Available(cfg Config) bool {
	if strings.TrimSpace(cfg.URL) == "" {
		return false
	}
	if cfg.EnginePath == "" {
		return true
	}
	return executable(cfg.EnginePath)
}
