// Файл store.go — стор очереди уведомлений. Мутации сериализуются мьютексом,
// читатели получают копии, подписчики уведомляются синхронно в порядке
// подписки. Автоистечение реализовано на time.AfterFunc: к моменту срабатывания
// уведомление могло быть снято вручную, поэтому expire перепроверяет наличие.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"qrstatus-client/internal/infra/clock"
)

// Listener получает копию всей очереди после каждой мутации.
type Listener func([]Notification)

type subscriber struct {
	id int
	fn Listener
}

// Store — потокобезопасная очередь уведомлений. Создаётся через New.
type Store struct {
	mu     sync.Mutex
	items  []Notification
	timers map[string]*time.Timer
	subs   []subscriber
	nextID int
	now    func() time.Time
	closed bool
}

// Option настраивает стор при создании.
type Option func(*Store)

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New создаёт пустую очередь. По умолчанию время берётся из clock.Now —
// с учётом таймзоны приложения.
func New(opts ...Option) *Store {
	s := &Store{
		timers: make(map[string]*time.Timer),
		now:    clock.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add добавляет уведомление в хвост очереди и возвращает назначенный ID.
// Если Duration не задан, применяется DefaultDuration; положительная
// длительность взводит таймер автоистечения, ноль — «липкое» уведомление.
func (s *Store) Add(input Input) string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}

	duration := DefaultDuration
	if input.Duration != nil {
		duration = *input.Duration
	}
	if duration < 0 {
		duration = 0
	}

	n := Notification{
		ID:        uuid.NewString(),
		Kind:      input.Kind,
		Title:     input.Title,
		Message:   input.Message,
		Duration:  duration,
		Timestamp: s.now(),
		Actions:   cloneActions(input.Actions),
	}
	s.items = append(s.items, n)

	if duration > 0 {
		id := n.ID
		s.timers[id] = time.AfterFunc(duration, func() { s.expire(id) })
	}

	queue := s.snapshotLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, queue)
	return n.ID
}

// Remove снимает уведомление по ID и гасит его таймер. Отсутствующий ID —
// no-op: очередь не меняется и подписчики не уведомляются.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked(id)
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	queue := s.snapshotLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, queue)
}

// Clear опустошает очередь и гасит все таймеры. Подписчики получают пустой
// снимок; таймер, успевший сработать после Clear, ничего не найдёт и затихнет.
func (s *Store) Clear() {
	s.mu.Lock()
	for id := range s.timers {
		s.timers[id].Stop()
		delete(s.timers, id)
	}
	s.items = nil
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, nil)
}

// GetAll возвращает копию очереди в порядке добавления.
func (s *Store) GetAll() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe регистрирует слушателя и возвращает функцию отписки.
// Слушатели вызываются синхронно в порядке подписки.
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

// Close гасит таймеры, снимает подписчиков и запрещает дальнейшие добавления.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.timers[id].Stop()
		delete(s.timers, id)
	}
	s.subs = nil
	s.closed = true
}

// expire — колбэк таймера автоистечения. Уведомление могло быть уже снято
// вручную или через Clear, поэтому наличие перепроверяется.
func (s *Store) expire(id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	queue := s.snapshotLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, queue)
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) stopTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// snapshotLocked копирует очередь вместе с действиями.
func (s *Store) snapshotLocked() []Notification {
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	for i := range out {
		out[i].Actions = cloneActions(out[i].Actions)
	}
	return out
}

func (s *Store) snapshotSubsLocked() []subscriber {
	out := make([]subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func broadcast(subs []subscriber, queue []Notification) {
	for _, sub := range subs {
		sub.fn(queue)
	}
}
