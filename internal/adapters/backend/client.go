// Package backend — HTTP-адаптер к сервису статусов документов. Реализует
// сетевой контракт сессии (вход/выход) и запрос статуса документа по QR-коду.
// Все вызовы идут через троттлер (токен-бакет + ретраи с бэкофом); ответы
// классифицируются в семейство apperr, заголовок Retry-After уважается.
// Успешные ответы статуса мемоизируются согласно настройкам кэша.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"qrstatus-client/internal/domain/session"
	"qrstatus-client/internal/domain/settings"
	"qrstatus-client/internal/infra/apperr"
	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/throttle"
)

// Status — ответ бэкенда на запрос статуса документа. released_at оставлен
// строкой: формат даты определяет сервер, клиент его только показывает.
type Status struct {
	DocUID         string            `json:"doc_uid"`
	Revision       string            `json:"revision"`
	Page           int               `json:"page"`
	BusinessStatus string            `json:"business_status"`
	EnoviaState    string            `json:"enovia_state"`
	IsActual       bool              `json:"is_actual"`
	ReleasedAt     string            `json:"released_at"`
	Links          map[string]string `json:"links,omitempty"`
}

// Options — стартовые параметры клиента. RPS фиксируется на всё время жизни,
// остальное меняется через Reconfigure.
type Options struct {
	BaseURL       string
	RPS           int
	TimeoutMS     int
	RetryAttempts int
}

// Client — потокобезопасный HTTP-клиент бэкенда. Реализует session.AuthClient.
type Client struct {
	throttler *throttle.Throttler

	mu      sync.Mutex
	httpc   *http.Client
	baseURL string

	cacheEnabled bool
	cacheTTL     time.Duration
	cache        map[string]cachedStatus

	now func() time.Time
}

var _ session.AuthClient = (*Client)(nil)

type cachedStatus struct {
	value     Status
	fetchedAt time.Time
}

// loginResponse — формат ответа POST /auth/login.
type loginResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	User        *session.User `json:"user"`
}

// errorBody — формат тела ошибки бэкенда.
type errorBody struct {
	Detail string `json:"detail"`
}

// New создаёт клиента. Троттлер получает экстрактор Retry-After, так что
// серверные указания подождать не тратят бюджет ретраев.
func New(opts Options) *Client {
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		cache:   make(map[string]cachedStatus),
		now:     time.Now,
	}
	c.throttler = throttle.New(opts.RPS,
		throttle.WithMaxRetries(opts.RetryAttempts),
		throttle.WithWaitExtractors(retryAfterWait),
	)
	return c
}

// Reconfigure применяет актуальные группы настроек: адрес и таймаут HTTP,
// лимит ретраев, параметры кэша. Вызывается из подписки на стор настроек.
// Смена параметров кэша сбрасывает накопленные записи.
func (c *Client) Reconfigure(api settings.APISettings, cache settings.CacheSettings) {
	c.throttler.SetMaxRetries(api.RetryAttempts)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseURL = strings.TrimRight(api.BaseURL, "/")

	timeout := time.Duration(api.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if c.httpc.Timeout != timeout {
		c.httpc = &http.Client{Timeout: timeout}
	}

	ttl := time.Duration(cache.TTLMS) * time.Millisecond
	if c.cacheEnabled != cache.Enabled || c.cacheTTL != ttl {
		c.cacheEnabled = cache.Enabled
		c.cacheTTL = ttl
		c.cache = make(map[string]cachedStatus)
	}
}

// Login выполняет вход по форме (username/password) и возвращает токен с
// профилем. Ошибки классифицированы: 401 отдаёт серверный detail.
func (c *Client) Login(ctx context.Context, username, password string) (session.AuthResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var resp loginResponse
	if err := c.postForm(ctx, "/auth/login", form, "", &resp); err != nil {
		return session.AuthResult{}, err
	}
	if resp.AccessToken == "" {
		return session.AuthResult{}, apperr.Server(http.StatusBadGateway, "бэкенд вернул пустой токен")
	}
	return session.AuthResult{Token: resp.AccessToken, User: resp.User}, nil
}

// Logout отзывает токен на сервере.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.postForm(ctx, "/auth/logout", nil, token, nil)
}

// DocumentStatus запрашивает статус документа по его UID, ревизии и странице.
// При включённом кэше свежий ответ отдаётся без обращения к сети.
func (c *Client) DocumentStatus(ctx context.Context, token, docUID, revision string, page int) (Status, error) {
	docUID = strings.TrimSpace(docUID)
	revision = strings.TrimSpace(revision)
	if docUID == "" || revision == "" {
		return Status{}, apperr.Validation("empty_document_ref", "UID документа и ревизия обязательны")
	}
	if page < 1 {
		page = 1
	}

	key := docUID + "|" + revision + "|" + strconv.Itoa(page)
	if status, ok := c.cachedStatus(key); ok {
		logger.Debugf("backend: status cache hit for %s", key)
		return status, nil
	}

	path := fmt.Sprintf("/status/%s/%s", url.PathEscape(docUID), url.PathEscape(revision))
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))

	var status Status
	if err := c.getJSON(ctx, path, query, token, &status); err != nil {
		return Status{}, err
	}

	c.storeStatus(key, status)
	return status, nil
}

// cachedStatus возвращает свежую запись кэша, если кэш включён и TTL не истёк.
func (c *Client) cachedStatus(key string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cacheEnabled || c.cacheTTL <= 0 {
		return Status{}, false
	}
	entry, ok := c.cache[key]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.cacheTTL {
		return Status{}, false
	}
	return entry.value, true
}

func (c *Client) storeStatus(key string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cacheEnabled || c.cacheTTL <= 0 {
		return
	}
	c.cache[key] = cachedStatus{value: status, fetchedAt: c.now()}
}

// getJSON выполняет GET через троттлер и декодирует JSON-ответ в out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, token string, out any) error {
	return c.throttler.Do(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, path, query, "", token)
		if err != nil {
			return err
		}
		return c.execute(req, out)
	})
}

// postForm выполняет POST с form-urlencoded телом через троттлер.
// Тело пересобирается на каждой попытке: io.Reader одноразовый.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, token string, out any) error {
	encoded := ""
	if form != nil {
		encoded = form.Encode()
	}
	return c.throttler.Do(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, nil, encoded, token)
		if err != nil {
			return err
		}
		if encoded != "" {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return c.execute(req, out)
	})
}

// newRequest собирает запрос к baseURL+path с опциональными query, телом и
// bearer-токеном.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body, token string) (*http.Request, error) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperr.Validation("bad_request_url", err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// execute отправляет запрос и разбирает ответ. Транспортный сбой — сетевая
// ошибка; не-2xx классифицируется по статусу, серверный detail становится
// сообщением; 2xx декодируется в out (nil out — тело игнорируется).
func (c *Client) execute(req *http.Request, out any) error {
	c.mu.Lock()
	httpc := c.httpc
	c.mu.Unlock()

	resp, err := httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.Network("бэкенд недоступен", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Network("обрыв чтения ответа", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return classifyFailure(resp, raw)
	}

	if out == nil {
		return nil
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return apperr.Server(resp.StatusCode, "некорректное тело ответа: "+err.Error())
	}
	return nil
}

// classifyFailure строит apperr по статусу ответа, доставая detail из тела.
// Retry-After (секунды) прокидывается троттлеру через retryAfterError.
func classifyFailure(resp *http.Response, raw []byte) error {
	detail := http.StatusText(resp.StatusCode)
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		detail = body.Detail
	}

	classified := apperr.FromStatus(resp.StatusCode, detail)

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
		return &retryAfterError{wait: time.Duration(seconds) * time.Second, cause: classified}
	}
	return classified
}

// retryAfterError несёт предписанную сервером паузу поверх классифицированной
// ошибки. Unwrap сохраняет работу errors.As/apperr.Is сквозь обёртку.
type retryAfterError struct {
	wait  time.Duration
	cause error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.cause, e.wait)
}

func (e *retryAfterError) Unwrap() error { return e.cause }

// retryAfterWait — WaitExtractor для троттлера: распознаёт retryAfterError.
// Пауза применяется только к повторяемым ошибкам; детерминированные отказы
// (4xx) всё равно прекращаются через StopRetry.
func retryAfterWait(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		var stopper throttle.StopRetryer
		if errors.As(ra.cause, &stopper) && stopper.StopRetry() {
			return 0, false
		}
		return ra.wait, true
	}
	return 0, false
}
