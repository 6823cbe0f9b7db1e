// Файл store.go реализует стор настроек: единственный владелец канонического
// значения AppSettings. Читатели получают копии, мутации идут через Update/Reset
// /Import, подписчики уведомляются синхронно в порядке подписки. Персист —
// write-through и best-effort: ошибка записи логируется, но не откатывает
// состояние в памяти.
package settings

import (
	"encoding/json"
	"sync"

	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/storage"
)

// StorageKey — ключ снимка настроек в KV-хранилище.
const StorageKey = "app_settings"

// Listener получает полную копию настроек после каждой мутации.
type Listener func(AppSettings)

type subscriber struct {
	id int
	fn Listener
}

// Store — потокобезопасный стор настроек. Создаётся через New.
type Store struct {
	kv storage.KV

	mu       sync.Mutex
	defaults AppSettings
	current  AppSettings
	subs     []subscriber
	nextID   int
}

// New создаёт стор и загружает сохранённое состояние. Загрузка никогда не
// фейлит создание: отсутствующий ключ, ошибка чтения или битый JSON дают
// дефолты (с предупреждением в лог). Частичный снимок декодируется поверх
// дефолтов, поэтому недостающие поля сохраняют значения по умолчанию.
func New(kv storage.KV, defaults AppSettings) *Store {
	s := &Store{
		kv:       kv,
		defaults: defaults,
		current:  defaults,
	}

	raw, found, err := kv.Get(StorageKey)
	switch {
	case err != nil:
		logger.Warnf("settings: load failed, using defaults: %v", err)
	case !found:
		logger.Debug("settings: no persisted snapshot, using defaults")
	default:
		value := defaults
		if errDecode := json.Unmarshal(raw, &value); errDecode != nil {
			logger.Warnf("settings: corrupt snapshot, using defaults: %v", errDecode)
			break
		}
		s.current = normalize(value, defaults)
	}
	return s
}

// GetAll возвращает копию текущих настроек.
func (s *Store) GetAll() AppSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// API возвращает копию группы настроек бэкенда.
func (s *Store) API() APISettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.API
}

// Cache возвращает копию группы настроек кэширования.
func (s *Store) Cache() CacheSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Cache
}

// Update применяет частичный патч: каждая заданная группа замещает текущую
// целиком, nil-группы не трогаются. Результат нормализуется, персистится
// best-effort и рассылается подписчикам.
func (s *Store) Update(patch Patch) AppSettings {
	s.mu.Lock()
	next := s.current
	if patch.Theme != nil {
		next.Theme = *patch.Theme
	}
	if patch.Language != nil {
		next.Language = *patch.Language
	}
	if patch.Notifications != nil {
		next.Notifications = *patch.Notifications
	}
	if patch.QRScanner != nil {
		next.QRScanner = *patch.QRScanner
	}
	if patch.API != nil {
		next.API = *patch.API
	}
	if patch.Cache != nil {
		next.Cache = *patch.Cache
	}
	if patch.Analytics != nil {
		next.Analytics = *patch.Analytics
	}
	next = normalize(next, s.defaults)
	s.current = next
	s.persistLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, next)
	return next
}

// Reset возвращает настройки к компилируемым дефолтам, персистит новое
// состояние и уведомляет подписчиков.
func (s *Store) Reset() AppSettings {
	s.mu.Lock()
	s.current = s.defaults
	s.persistLocked()
	next := s.current
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, next)
	return next
}

// Subscribe регистрирует слушателя и возвращает функцию отписки. Слушатели
// вызываются синхронно в порядке подписки; отписка идемпотентна.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Export сериализует текущие настройки в форматированный JSON для переноса
// между установками.
func (s *Store) Export() (string, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	raw, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Import разбирает переданный JSON и замещает им настройки целиком
// (недостающие поля добиваются дефолтами, результат нормализуется).
// Ошибка разбора логируется и возвращается, состояние не меняется.
func (s *Store) Import(data string) error {
	s.mu.Lock()
	value := s.defaults
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		s.mu.Unlock()
		logger.Warnf("settings: import rejected: %v", err)
		return err
	}
	next := normalize(value, s.defaults)
	s.current = next
	s.persistLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	notify(subs, next)
	return nil
}

// Close снимает всех подписчиков. Дальнейшие мутации допустимы, но уже никого
// не уведомляют.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

// persistLocked пишет снимок текущего состояния в KV. Вызывается под мьютексом.
// Ошибка записи не фатальна: состояние в памяти остаётся источником истины.
func (s *Store) persistLocked() {
	raw, err := json.Marshal(s.current)
	if err != nil {
		logger.Errorf("settings: marshal snapshot: %v", err)
		return
	}
	if err = s.kv.Put(StorageKey, raw); err != nil {
		logger.Warnf("settings: persist failed: %v", err)
	}
}

// snapshotSubsLocked снимает копию списка подписчиков под мьютексом, чтобы
// рассылка шла вне блокировки и слушатели могли безопасно читать стор.
func (s *Store) snapshotSubsLocked() []subscriber {
	out := make([]subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

// notify рассылает значение подписчикам в порядке подписки.
func notify(subs []subscriber, value AppSettings) {
	for _, sub := range subs {
		sub.fn(value)
	}
}
