// Package lifecycle — менеджер управляемых подсистем приложения.
// Поддерживает явные зависимости между узлами и гарантирует предсказуемый
// порядок запуска/остановки: зависимости поднимаются раньше зависимых, а
// остановка идёт строго в обратном фактическому старту порядке. Каждый узел
// получает собственный дочерний контекст, отменяемый при остановке.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"qrstatus-client/internal/infra/logger"
)

// StartFunc запускает узел. Контекст отменяется при остановке узла, поэтому
// фоновые горутины узла должны слушать ctx.Done().
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён;
// реализация должна завершить фоновые задачи и освободить ресурсы.
type StopFunc func() error

// nodeStatus описывает текущее состояние узла.
type nodeStatus int

const (
	statusRegistered nodeStatus = iota // зарегистрирован, ещё не запускался
	statusStarting                     // идёт запуск или ожидание зависимостей
	statusRunning                      // успешно запущен, контекст активен
	statusStopped                      // корректно остановлен
	statusFailed                       // ошибка при запуске/остановке
)

type node struct {
	name string
	deps []string

	start StartFunc
	stop  StopFunc

	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager управляет жизненным циклом набора узлов. Потокобезопасен.
type Manager struct {
	rootCtx    context.Context
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string // фактический порядок запуска, нужен для обратной остановки
}

// New создаёт менеджер. Если rootCtx=nil, используется context.Background().
// Отмена rootCtx распространяется на контексты всех узлов.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		rootCtx: rootCtx,
		nodes:   make(map[string]*node),
	}
}

// Register добавляет узел name с зависимостями deps, которые должны быть
// запущены ДО него. Дубликаты deps схлопываются; зависимость от самого себя
// запрещена. Узел регистрируется в состоянии Registered.
func (m *Manager) Register(name string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty node name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}

	uniqueDeps := slices.Clone(deps)
	slices.Sort(uniqueDeps)
	uniqueDeps = slices.Compact(uniqueDeps)
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll запускает все зарегистрированные узлы с учётом зависимостей.
// Имена обходятся в алфавитном порядке для стабильности логов; фактический
// порядок фиксируется в startOrder. Возвращает объединённую ошибку, если
// какие-то узлы не стартовали.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	m.mu.Unlock()

	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.currentOrder())
	return errs
}

// startNode рекурсивно запускает узел: сперва все deps, затем сам узел.
// Повторный вход в состояние Starting трактуется как цикл зависимостей.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}

	switch n.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	case statusFailed:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q previously failed: %w", name, n.err)
	case statusRegistered, statusStopped:
		// допустимые состояния для запуска
	}
	n.status = statusStarting
	deps := slices.Clone(n.deps)
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	for _, dep := range deps {
		if err := m.startNode(dep); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	if n.start != nil {
		if err := n.start(ctx); err != nil {
			cancel()
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	m.mu.Lock()
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// Shutdown останавливает все запущенные узлы в порядке, обратном фактическому
// старту: зависимые гаснут раньше своих зависимостей. Возвращает объединённую
// ошибку stop-хуков.
func (m *Manager) Shutdown() error {
	order := m.currentOrder()
	logger.Debugf("shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// stopNode останавливает узел в состоянии Running: отменяет контекст, вызывает
// StopFunc и переводит состояние в Stopped/Failed по результату.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	cancel := n.cancel
	stopFn := n.stop
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)

	// Сначала отменяем контекст — корректный сигнал фоновым горутинам узла.
	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn()
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

// currentOrder возвращает копию фактического порядка запуска.
func (m *Manager) currentOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// setNodeFailed помечает узел как Failed и сохраняет ошибку под мьютексом.
func (m *Manager) setNodeFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
