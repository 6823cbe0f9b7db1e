// Файл kv.go реализует key-value хранилище состояния приложения.
// KV — минимальный контракт, через который сторы читают и пишут свои снимки;
// Bolt — персистентная реализация поверх bbolt (один файл, один bucket),
// переживающая рестарты процесса; Memory — эфемерная реализация для тестов.
package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// KV — контракт key-value хранилища. Значения — произвольные байтовые строки
// (на практике JSON-снимки сторов). Get сообщает отсутствие ключа флагом,
// а не ошибкой: отсутствие — валидный результат, не сбой.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Clear() error
}

const (
	stateBucketName = "state"
	dbOpenTimeout   = time.Second
)

var stateBucketBytes = []byte(stateBucketName)

// Bolt — персистентное KV-хранилище поверх bbolt. Все ключи живут в одном
// bucket; конкурентный доступ сериализует сам bbolt. Значения при чтении
// копируются: байты из bbolt валидны только внутри транзакции.
type Bolt struct {
	db *bbolt.DB
}

// Компиляторная проверка соответствия интерфейсу KV.
var _ KV = (*Bolt)(nil)

// OpenBolt открывает (при необходимости создавая) файл состояния и bucket.
// Таймаут открытия защищает от вечного ожидания file lock при втором экземпляре.
func OpenBolt(path string) (*Bolt, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, errors.New("storage: state file path is empty")
	}
	if err := EnsureDir(clean); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(clean, DefaultFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "storage: open state db")
	}

	if err = db.Update(func(tx *bbolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(stateBucketBytes)
		return errBucket
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "storage: init state bucket")
	}

	return &Bolt{db: db}, nil
}

// Close закрывает файл базы данных. Повторный вызов безопасен.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Get возвращает копию значения по ключу и флаг наличия.
func (b *Bolt) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(stateBucketBytes).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "storage: get %q", key)
	}
	return value, found, nil
}

// Put записывает значение по ключу. Запись синхронная: после возврата без
// ошибки данные зафиксированы в файле.
func (b *Bolt) Put(key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucketBytes).Put([]byte(key), value)
	})
	if err != nil {
		return errors.Wrapf(err, "storage: put %q", key)
	}
	return nil
}

// Delete удаляет ключ. Отсутствие ключа не является ошибкой.
func (b *Bolt) Delete(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucketBytes).Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, "storage: delete %q", key)
	}
	return nil
}

// Clear полностью очищает bucket состояния (пересоздаёт его).
func (b *Bolt) Clear() error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if errDel := tx.DeleteBucket(stateBucketBytes); errDel != nil {
			return errDel
		}
		_, errCreate := tx.CreateBucketIfNotExists(stateBucketBytes)
		return errCreate
	})
	if err != nil {
		return errors.Wrap(err, "storage: clear")
	}
	return nil
}

// Memory — эфемерная реализация KV на карте. Используется в тестах и как
// безопасный fallback, когда файл состояния открыть не удалось.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KV = (*Memory)(nil)

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get возвращает копию значения и флаг наличия.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(raw))
	copy(value, raw)
	return value, true, nil
}

// Put сохраняет копию значения по ключу.
func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := make([]byte, len(value))
	copy(cloned, value)
	m.data[key] = cloned
	return nil
}

// Delete удаляет ключ; отсутствие ключа — no-op.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Clear удаляет все ключи.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}
