// Пакет config отвечает за сбор и предоставление конфигурации приложения
// (консольного клиента статусов документов). Он:
//  1. читает переменные окружения из .env (через godotenv), если файл есть,
//  2. нормализует и валидирует входные значения, накапливая предупреждения,
//  3. фиксирует результат в singleton и предоставляет его через Env().
//
// Здесь живут только «операционные» параметры запуска: путь к локальному
// хранилищу состояния, логирование, таймзона, лимит запросов к бэкенду и
// стартовый адрес бэкенда. Всё, что пользователь меняет в рантайме
// (тема, язык, таймауты API и т. п.), хранится в настройках приложения,
// а не в окружении.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"qrstatus-client/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения уже прошли минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	StateFile      string // путь к bbolt-файлу локального состояния
	LogLevel       string
	AppTimezone    string
	RequestRPS     int    // лимит исходящих запросов к бэкенду, запросов/сек
	BackendBaseURL string // стартовый адрес бэкенда (компилируемый дефолт настроек)
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды. Публичные геттеры берут RLock;
// загрузка выполняется один раз под эксклюзивным Lock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel       = "info"
	defaultStateFile      = "data/qrstatus.bbolt"
	defaultAppTimezone    = "Europe/Moscow"
	defaultRequestRPS     = 4
	defaultBackendBaseURL = "http://localhost:8000/api/v1"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — глобальная таймзона приложения; устанавливается при Load().
var AppLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	// .env опционален: у клиента нет обязательных секретов, все параметры
	// имеют дефолты либо могут прийти из процесса.
	if err := godotenv.Load(envPath); err != nil {
		appendWarningf(&warnings, "env file %q not loaded: %v; using process environment", envPath, err)
	}

	stateFile := sanitizeValue("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	requestRPS := parseIntDefault("REQUEST_RPS", defaultRequestRPS, greaterThanZero, &warnings)
	backendBaseURL := sanitizeValue("BACKEND_BASE_URL", os.Getenv("BACKEND_BASE_URL"),
		defaultBackendBaseURL, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}
	AppLocation = loc

	env := EnvConfig{
		StateFile:         stateFile,
		LogLevel:          logLevel,
		AppTimezone:       appTimezone,
		RequestRPS:        requestRPS,
		BackendBaseURL:    backendBaseURL,
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения (например, о подставленных
// значениях по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение. Это позволяет
// не падать на несущественных настройках.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — defaultVal + предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeValue возвращает непустое значение переменной либо fallback с предупреждением.
func sanitizeValue(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezone проверяет, что значение — корректная IANA-зона или UTC-смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezone(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
