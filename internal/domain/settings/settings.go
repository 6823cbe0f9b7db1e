// Package settings — клиентские настройки приложения и стор, который ими владеет.
// В этом файле — модель AppSettings, её компилируемые дефолты и типизированный
// частичный патч для обновлений. JSON-теги совпадают с форматом, в котором
// настройки исторически сохранялись на стороне браузерного клиента, поэтому
// персистентный блоб совместим в обе стороны между версиями схемы.
package settings

// ThemeMode задаёт режим отображения интерфейса.
type ThemeMode string

const (
	ThemeLight ThemeMode = "light"
	ThemeDark  ThemeMode = "dark"
	ThemeAuto  ThemeMode = "auto"
)

// FlashMode — аппаратная подсказка для вспышки сканера.
type FlashMode string

const (
	FlashAuto FlashMode = "auto"
	FlashOn   FlashMode = "on"
	FlashOff  FlashMode = "off"
)

// Поддерживаемые локали интерфейса. Список расширяемый: неизвестное значение
// в персисте лечится на дефолт при загрузке.
const (
	LanguageRU = "ru"
	LanguageEN = "en"
)

// NotificationSettings — переключатели каналов уведомлений.
type NotificationSettings struct {
	Enabled   bool `json:"enabled"`
	Sound     bool `json:"sound"`
	Vibration bool `json:"vibration"`
}

// ScannerSettings — поведение QR-сканера.
type ScannerSettings struct {
	AutoFocus   bool      `json:"autoFocus"`
	ShowOverlay bool      `json:"showOverlay"`
	FlashMode   FlashMode `json:"flashMode"`
}

// APISettings — параметры обращения к бэкенду. Таймаут и TTL выражены в
// миллисекундах, как в персистентном формате.
type APISettings struct {
	BaseURL       string `json:"baseUrl"`
	TimeoutMS     int    `json:"timeout"`
	RetryAttempts int    `json:"retryAttempts"`
}

// CacheSettings — кэширование ответов бэкенда потребляющим кодом.
type CacheSettings struct {
	Enabled bool `json:"enabled"`
	TTLMS   int  `json:"ttl"`
}

// AnalyticsSettings — переключатели телеметрии.
type AnalyticsSettings struct {
	Enabled          bool `json:"enabled"`
	TrackErrors      bool `json:"trackErrors"`
	TrackPerformance bool `json:"trackPerformance"`
}

// AppSettings — полная конфигурация клиента. Значение в памяти всегда целиком
// заполнено и корректно типизировано; частично заполненных состояний не бывает.
type AppSettings struct {
	Theme         ThemeMode            `json:"theme"`
	Language      string               `json:"language"`
	Notifications NotificationSettings `json:"notifications"`
	QRScanner     ScannerSettings      `json:"qrScanner"`
	API           APISettings          `json:"api"`
	Cache         CacheSettings        `json:"cache"`
	Analytics     AnalyticsSettings    `json:"analytics"`
}

// Patch — типизированное частичное обновление. Заданная группа замещает
// соответствующую группу целиком (top-level shallow merge); nil-поля не трогаются.
// Вызывающий код, которому нужно поменять одно поле группы, читает текущую
// группу, правит поле и передаёт группу целиком.
type Patch struct {
	Theme         *ThemeMode            `json:"theme,omitempty"`
	Language      *string               `json:"language,omitempty"`
	Notifications *NotificationSettings `json:"notifications,omitempty"`
	QRScanner     *ScannerSettings      `json:"qrScanner,omitempty"`
	API           *APISettings          `json:"api,omitempty"`
	Cache         *CacheSettings        `json:"cache,omitempty"`
	Analytics     *AnalyticsSettings    `json:"analytics,omitempty"`
}

// Значения по умолчанию для числовых параметров.
const (
	defaultAPITimeoutMS  = 30000
	defaultRetryAttempts = 3
	defaultCacheTTLMS    = 300000
)

// Defaults возвращает компилируемые значения по умолчанию. Адрес бэкенда —
// единственный параметр, приходящий снаружи (из окружения на старте).
func Defaults(baseURL string) AppSettings {
	return AppSettings{
		Theme:    ThemeLight,
		Language: LanguageRU,
		Notifications: NotificationSettings{
			Enabled:   true,
			Sound:     true,
			Vibration: true,
		},
		QRScanner: ScannerSettings{
			AutoFocus:   true,
			ShowOverlay: true,
			FlashMode:   FlashAuto,
		},
		API: APISettings{
			BaseURL:       baseURL,
			TimeoutMS:     defaultAPITimeoutMS,
			RetryAttempts: defaultRetryAttempts,
		},
		Cache: CacheSettings{
			Enabled: true,
			TTLMS:   defaultCacheTTLMS,
		},
		Analytics: AnalyticsSettings{
			Enabled:          true,
			TrackErrors:      true,
			TrackPerformance: false,
		},
	}
}

// normalize лечит значения, которые не прошли бы типизацию: неизвестные enum'ы
// и отрицательные длительности заменяются дефолтами. Вызывается после загрузки
// и импорта, чтобы инвариант «значение всегда корректно» держался даже на
// битом или чужом персисте.
func normalize(value, defaults AppSettings) AppSettings {
	switch value.Theme {
	case ThemeLight, ThemeDark, ThemeAuto:
	default:
		value.Theme = defaults.Theme
	}
	switch value.Language {
	case LanguageRU, LanguageEN:
	default:
		value.Language = defaults.Language
	}
	switch value.QRScanner.FlashMode {
	case FlashAuto, FlashOn, FlashOff:
	default:
		value.QRScanner.FlashMode = defaults.QRScanner.FlashMode
	}
	if value.API.BaseURL == "" {
		value.API.BaseURL = defaults.API.BaseURL
	}
	if value.API.TimeoutMS < 0 {
		value.API.TimeoutMS = defaults.API.TimeoutMS
	}
	if value.API.RetryAttempts < 0 {
		value.API.RetryAttempts = defaults.API.RetryAttempts
	}
	if value.Cache.TTLMS < 0 {
		value.Cache.TTLMS = defaults.Cache.TTLMS
	}
	return value
}
