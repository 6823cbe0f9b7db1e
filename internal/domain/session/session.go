// Package session — состояние аутентификации клиента. Стор владеет парой
// «пользователь + токен», восстанавливает её из персиста на старте и держит
// инвариант «оба или ни одного»: не бывает пользователя без токена и наоборот.
// Сетевые вызовы делегируются AuthClient; Login всегда возвращает результат
// значением, сетевые и серверные сбои не превращаются в панику.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"qrstatus-client/internal/infra/apperr"
	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/storage"
)

// Ключи персиста. Пишутся и удаляются только парой.
const (
	UserKey  = "auth_user"
	TokenKey = "auth_token"
)

// User — профиль аутентифицированного пользователя. JSON-теги совпадают с
// форматом ответа бэкенда и персистентным снимком.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	IsAdmin  bool   `json:"isAdmin"`
}

// State — снимок состояния сессии для читателей и подписчиков.
type State struct {
	User  *User
	Token string
}

// Authenticated сообщает, активна ли сессия.
func (s State) Authenticated() bool { return s.User != nil && s.Token != "" }

// LoginResult — исход попытки входа. Error заполнен только при Success=false
// и готов к показу пользователю.
type LoginResult struct {
	Success bool
	Error   string
}

// AuthResult — ответ бэкенда на успешный вход.
type AuthResult struct {
	Token string
	User  *User
}

// AuthClient — сетевой контракт, нужный сессии: вход и отзыв токена.
// Реализация живёт в адаптере бэкенда.
type AuthClient interface {
	Login(ctx context.Context, username, password string) (AuthResult, error)
	Logout(ctx context.Context, token string) error
}

// Listener получает снимок состояния после каждого изменения сессии.
type Listener func(State)

type subscriber struct {
	id int
	fn Listener
}

// Store — потокобезопасный стор сессии. Создаётся через New.
type Store struct {
	kv     storage.KV
	client AuthClient

	mu     sync.Mutex
	user   *User
	token  string
	subs   []subscriber
	nextID int
}

// networkErrorMessage показывается пользователю, когда бэкенд недоступен.
// Серверный detail в этом случае отсутствует по определению.
const networkErrorMessage = "Сервер недоступен, попробуйте позже"

// New создаёт стор и восстанавливает сессию из персиста. Токен принимается на
// веру без повторной валидации: если он протух, первый же запрос вернёт 401.
// Рассинхронизированный персист (один ключ из двух) чистится целиком.
func New(kv storage.KV, client AuthClient) *Store {
	s := &Store{kv: kv, client: client}
	s.restore()
	return s
}

// restore читает пару ключей из KV. Любая аномалия (ошибка чтения, битый JSON,
// половина пары) приводит к чистому неаутентифицированному состоянию.
func (s *Store) restore() {
	rawUser, userFound, errUser := s.kv.Get(UserKey)
	rawToken, tokenFound, errToken := s.kv.Get(TokenKey)
	if errUser != nil || errToken != nil {
		logger.Warnf("session: restore failed: user=%v token=%v", errUser, errToken)
		return
	}

	if !userFound && !tokenFound {
		return
	}
	if userFound != tokenFound {
		logger.Warn("session: persisted state is incomplete, clearing")
		s.wipePersisted()
		return
	}

	var user User
	if err := json.Unmarshal(rawUser, &user); err != nil {
		logger.Warnf("session: corrupt persisted user, clearing: %v", err)
		s.wipePersisted()
		return
	}
	token := string(rawToken)
	if user.Username == "" || token == "" {
		logger.Warn("session: persisted state is degenerate, clearing")
		s.wipePersisted()
		return
	}

	s.user = &user
	s.token = token
	logger.Infof("session: restored for %s", user.Username)
}

// Login выполняет вход. Ошибка аутентификации отдаёт сообщение сервера,
// транспортный сбой — общее сообщение о недоступности; исключений наружу нет.
// При успехе пользователь и токен атомарно устанавливаются и персистятся.
func (s *Store) Login(ctx context.Context, username, password string) LoginResult {
	if username == "" || password == "" {
		return LoginResult{Error: "Логин и пароль обязательны"}
	}

	result, err := s.client.Login(ctx, username, password)
	if err != nil {
		logger.Warnf("session: login failed for %s: %v", username, err)
		if apperr.Is(err, apperr.KindNetwork) {
			return LoginResult{Error: networkErrorMessage}
		}
		return LoginResult{Error: apperr.MessageOf(err)}
	}

	user := result.User
	if user == nil {
		// Бэкенд без профиля в ответе: минимальный пользователь из логина.
		user = &User{Username: username, Role: "viewer"}
	}

	s.setAuthenticated(user, result.Token)
	logger.Infof("session: login ok for %s", user.Username)
	return LoginResult{Success: true}
}

// Logout завершает сессию. Отзыв токена на сервере — best-effort: его провал
// логируется, но локальное состояние и персист чистятся безусловно.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token != "" {
		if err := s.client.Logout(ctx, token); err != nil {
			logger.Warnf("session: server-side logout failed: %v", err)
		}
	}
	s.clearAuthenticated()
	logger.Info("session: logged out")
}

// Current возвращает снимок состояния; пользователь копируется.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Token возвращает текущий токен (пустая строка без сессии).
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Subscribe регистрирует слушателя изменений сессии и возвращает функцию
// отписки. Слушатели вызываются синхронно в порядке подписки.
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

// Close снимает подписчиков. Сессия и персист не трогаются.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

// setAuthenticated — единственный путь установки сессии: память и оба ключа
// персиста меняются вместе. Ошибки записи не откатывают память.
func (s *Store) setAuthenticated(user *User, token string) {
	s.mu.Lock()
	cloned := *user
	s.user = &cloned
	s.token = token

	if raw, err := json.Marshal(cloned); err != nil {
		logger.Errorf("session: marshal user: %v", err)
	} else if err = s.kv.Put(UserKey, raw); err != nil {
		logger.Warnf("session: persist user failed: %v", err)
	}
	if err := s.kv.Put(TokenKey, []byte(token)); err != nil {
		logger.Warnf("session: persist token failed: %v", err)
	}

	state := s.stateLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, state)
}

// clearAuthenticated — единственный путь сброса сессии: память и оба ключа
// персиста чистятся вместе.
func (s *Store) clearAuthenticated() {
	s.mu.Lock()
	s.user = nil
	s.token = ""
	s.wipePersisted()
	state := s.stateLocked()
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()

	broadcast(subs, state)
}

// wipePersisted удаляет оба ключа персиста best-effort.
func (s *Store) wipePersisted() {
	if err := s.kv.Delete(UserKey); err != nil {
		logger.Warnf("session: delete %s: %v", UserKey, err)
	}
	if err := s.kv.Delete(TokenKey); err != nil {
		logger.Warnf("session: delete %s: %v", TokenKey, err)
	}
}

// stateLocked собирает снимок под мьютексом; пользователь копируется.
func (s *Store) stateLocked() State {
	if s.user == nil {
		return State{}
	}
	user := *s.user
	return State{User: &user, Token: s.token}
}

func (s *Store) snapshotSubsLocked() []subscriber {
	out := make([]subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func broadcast(subs []subscriber, state State) {
	for _, sub := range subs {
		sub.fn(state)
	}
}
