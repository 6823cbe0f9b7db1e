package clock

import (
	"time"

	"qrstatus-client/internal/infra/config"
)

// Now возвращает текущее время в глобальной таймзоне приложения.
// До config.Load() таймзона не установлена — тогда используется локальная.
func Now() time.Time {
	if config.AppLocation == nil {
		return time.Now()
	}
	return time.Now().In(config.AppLocation)
}
