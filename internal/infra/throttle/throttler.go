// Package throttle — общий механизм ограничения скорости и повторных попыток
// для внешних интеграций. В основе — токен-бакет rate.Limiter (RPS + burst) и
// экспоненциальный backoff с джиттером. Серверные указания подождать
// (Retry-After и т. п.) поддерживаются через настраиваемые WaitExtractor.
// Ошибки, реализующие StopRetryer, немедленно прекращают ретраи.
// Троттлер потокобезопасен: Do может вызываться параллельно.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate. Значение 2 означает
// способность кратковременно «впрыснуть» до 2*rate операций в секунду.
const burstMultiplier = 2

// backoffBase — базовая пауза экспоненциального бэкофа (удваивается на каждой попытке).
const backoffBase = 500 * time.Millisecond

// backoffMax — потолок паузы между попытками.
const backoffMax = 30 * time.Second

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность
// ожидания, предписанную сервером. Булев флаг показывает, что экстрактор распознал
// формат ошибки. Экстракторы вызываются в порядке регистрации; первый совпавший
// определяет паузу, и такая попытка не тратит бюджет ретраев.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Любая ошибка, реализующая этот интерфейс и вернувшая true, отдаётся вызывающему
// коду без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток. Значение <=0 означает
// «без ограничений».
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета. Если burst <= 0, используется 2*rate.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует набор экстракторов серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithRandom позволяет задать функцию генерации случайных чисел (для детерминированных тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// Throttler сочетает токен-бакет (rate.Limiter) и стратегию повторных попыток с
// экспоненциальным бэкофом и поддержкой серверных задержек. Потокобезопасен.
type Throttler struct {
	limiter *rate.Limiter

	waitExtractors []WaitExtractor // цепочка экстракторов «сколько подождать» из ошибок
	burst          int

	mu         sync.Mutex
	maxRetries int            // лимит ретраев; <=0 означает «без ограничений»
	randomFn   func() float64 // источник случайности для джиттера (подменяется в тестах)
}

// New создаёт троттлер с частотой rps (операций/сек). По умолчанию burst = 2*rps
// с нижней границей 1. Опции задают burst, лимит ретраев, экстракторы и
// источник случайности.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}

	t := &Throttler{
		burst:      rps * burstMultiplier,
		maxRetries: -1,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst < 1 {
		t.burst = rps * burstMultiplier
	}
	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}

	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// SetMaxRetries изменяет лимит повторных попыток после создания троттлера.
// Значение <=0 продолжает означать «без ограничений». Потокобезопасно.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do выполняет функцию fn с лимитами токен-бакета и ретраями.
// Алгоритм:
//  1. ждём токен (с уважением к ctx);
//  2. вызываем fn;
//  3. если err: StopRetryer → вернуть сразу; контекст сорван → вернуть;
//     extractor дал паузу → подождать и повторить без роста attempt;
//     иначе экспоненциальный backoff с джиттером, учитывая лимит ретраев.
//
// Возвращает nil при успехе либо последнюю ошибку при исчерпании стратегии.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Снимок лимита ретраев: не меняем его внутри цикла.
	maxRetries := t.currentMaxRetries()

	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			// Детерминированный отказ: отдаём ошибку без ретраев.
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			// Сервер велел подождать — ждём и повторяем без роста attempt.
			if wErr := sleepCtx(ctx, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := sleepCtx(ctx, sleep); wErr != nil {
			return wErr
		}
	}
}

// currentMaxRetries возвращает снапшот лимита ретраев под мьютексом.
func (t *Throttler) currentMaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// extractWait прогоняет ошибку через цепочку экстракторов; первый распознавший
// формат определяет паузу. Отрицательные значения нормализуются в ноль.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extract := range t.waitExtractors {
		if d, ok := extract(err); ok {
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}

// expBackoff возвращает паузу для попытки attempt: base*2^attempt с джиттером
// ±25% и потолком backoffMax.
func (t *Throttler) expBackoff(attempt int) time.Duration {
	backoff := float64(backoffBase) * math.Pow(2, float64(attempt))
	if backoff > float64(backoffMax) {
		backoff = float64(backoffMax)
	}
	// Джиттер размазывает повторные попытки разных вызовов по времени.
	jitter := 0.75 + t.randomFunc()()*0.5
	return time.Duration(backoff * jitter)
}

// randomFunc возвращает снапшот источника случайности под мьютексом.
func (t *Throttler) randomFunc() func() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.randomFn
}

// sleepCtx ждёт d с уважением к контексту.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
