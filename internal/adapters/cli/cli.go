// Package cli — интерактивная командная консоль клиента статусов документов.
// Сервис стартует фоном, читает команды из readline и взаимодействует со
// сторами: настройками, сессией, очередью уведомлений и HTTP-клиентом
// бэкенда. Поддерживается корректная интеграция в lifecycle: Start/Stop
// идемпотентны.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"qrstatus-client/internal/adapters/backend"
	"qrstatus-client/internal/domain/notify"
	"qrstatus-client/internal/domain/session"
	"qrstatus-client/internal/domain/settings"
	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/pr"
	"qrstatus-client/internal/infra/storage"
	versioninfo "qrstatus-client/internal/support/version"

	"golang.org/x/term"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "login", description: "Authenticate against the backend"},
	{name: "logout", description: "End the current session"},
	{name: "whoami", description: "Display the current session user"},
	{name: "status", description: "status <doc_uid> <revision> [page] - fetch document status"},
	{name: "settings", description: "Dump current application settings"},
	{name: "set", description: "set <key> <value> - change a setting (see 'set' without args)"},
	{name: "reset", description: "Reset settings to defaults"},
	{name: "export", description: "export <file> - save settings to a JSON file"},
	{name: "import", description: "import <file> - load settings from a JSON file"},
	{name: "notices", description: "List active notifications"},
	{name: "dismiss", description: "dismiss <id> - remove a notification"},
	{name: "clear", description: "Remove all notifications"},
	{name: "version", description: "Print client version"},
	{name: "exit", description: "Stop CLI and terminate the client"},
}

// requestTimeout ограничивает интерактивные запросы к бэкенду.
const requestTimeout = 30 * time.Second

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	cfg       *settings.Store    // стор настроек: show/set/reset/export/import
	auth      *session.Store     // стор сессии: login/logout/whoami
	notices   *notify.Store      // очередь уведомлений: notices/dismiss/clear
	client    *backend.Client    // HTTP-клиент бэкенда для команды status
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
	unsub     func()             // отписка от изменений сессии (промпт)
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(
	cfg *settings.Store,
	auth *session.Store,
	notices *notify.Store,
	client *backend.Client,
	stopApp context.CancelFunc,
) *Service {
	return &Service{cfg: cfg, auth: auth, notices: notices, client: client, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		// Промпт отражает текущую сессию и обновляется по её изменениям.
		s.unsub = s.auth.Subscribe(func(st session.State) {
			pr.SetPrompt(promptFor(st))
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// promptFor строит приглашение по состоянию сессии.
func promptFor(st session.State) string {
	if st.Authenticated() {
		return st.User.Username + "> "
	}
	return "> "
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает
// обработчики клавиш и в цикле читает команды построчно.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt(promptFor(s.auth.Current()))
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	pr.Println("Available commands:")
	for _, descriptor := range commandDescriptors {
		pr.Printf("  %-8s - %s\n", descriptor.name, descriptor.description)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	fields := strings.Fields(cmd)
	name := ""
	if len(fields) > 0 {
		name = fields[0]
	}
	args := fields[1:]

	switch name {
	case "help":
		printCommandHelp()
	case "login":
		s.handleLogin(ctx)
	case "logout":
		s.handleLogout(ctx)
	case "whoami":
		s.handleWhoami()
	case "status":
		s.handleStatus(ctx, args)
	case "settings":
		pr.PP(s.cfg.GetAll())
	case "set":
		s.handleSet(args)
	case "reset":
		s.cfg.Reset()
		pr.Println("Settings reset to defaults.")
	case "export":
		s.handleExport(args)
	case "import":
		s.handleImport(args)
	case "notices":
		s.handleNotices()
	case "dismiss":
		if len(args) != 1 {
			pr.ErrPrintln("usage: dismiss <id>")
			break
		}
		s.notices.Remove(args[0])
	case "clear":
		s.notices.Clear()
		pr.Println("Notifications cleared.")
	case "version":
		pr.Printf("%s v%s\n", versioninfo.Name, versioninfo.Version)
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", name)
	}
	return false
}

// handleLogin интерактивно запрашивает логин/пароль и выполняет вход.
// Пароль читается без эха.
func (s *Service) handleLogin(ctx context.Context) {
	rl := pr.Rl()
	if rl == nil {
		pr.ErrPrintln("interactive input is not available")
		return
	}

	rl.SetPrompt("Логин: ")
	username, err := rl.Readline()
	rl.SetPrompt(promptFor(s.auth.Current()))
	if err != nil {
		return
	}
	username = strings.TrimSpace(username)

	pr.Print("Пароль: ")
	rawPassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	pr.Println()
	if err != nil {
		pr.ErrPrintln("password read failed:", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	result := s.auth.Login(reqCtx, username, string(rawPassword))
	if !result.Success {
		pr.ErrPrintln("Вход не выполнен:", result.Error)
		s.notices.Add(notify.Input{Kind: notify.KindError, Title: "Вход", Message: result.Error})
		return
	}
	state := s.auth.Current()
	pr.Printf("Вы вошли как %s (роль: %s)\n", state.User.Username, state.User.Role)
	s.notices.Add(notify.Input{Kind: notify.KindSuccess, Title: "Вход", Message: "Сессия открыта"})
}

// handleLogout завершает сессию; отзыв токена на сервере — best-effort.
func (s *Service) handleLogout(ctx context.Context) {
	if !s.auth.Current().Authenticated() {
		pr.Println("Сессия не открыта.")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	s.auth.Logout(reqCtx)
	pr.Println("Сессия завершена.")
}

// handleWhoami печатает пользователя текущей сессии.
func (s *Service) handleWhoami() {
	state := s.auth.Current()
	if !state.Authenticated() {
		pr.Println("Вы не аутентифицированы.")
		return
	}
	u := state.User
	admin := ""
	if u.IsAdmin {
		admin = ", администратор"
	}
	pr.Printf("Вы: %s (роль: %s%s)\n", u.Username, u.Role, admin)
	if u.Email != "" {
		pr.Printf("Email: %s\n", u.Email)
	}
}

// handleStatus запрашивает статус документа: status <doc_uid> <revision> [page].
func (s *Service) handleStatus(ctx context.Context, args []string) {
	if len(args) < 2 || len(args) > 3 {
		pr.ErrPrintln("usage: status <doc_uid> <revision> [page]")
		return
	}
	page := 1
	if len(args) == 3 {
		parsed, err := strconv.Atoi(args[2])
		if err != nil || parsed < 1 {
			pr.ErrPrintln("page must be a positive integer")
			return
		}
		page = parsed
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status, err := s.client.DocumentStatus(reqCtx, s.auth.Token(), args[0], args[1], page)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		s.notices.Add(notify.Input{Kind: notify.KindError, Title: "Статус документа", Message: err.Error()})
		return
	}

	pr.Printf("Документ:        %s (ревизия %s, лист %d)\n", status.DocUID, status.Revision, status.Page)
	pr.Printf("Бизнес-статус:   %s\n", status.BusinessStatus)
	pr.Printf("Состояние ENOVIA: %s\n", status.EnoviaState)
	if status.IsActual {
		pr.Println("Актуальность:    действующая ревизия")
	} else {
		pr.Println("Актуальность:    ревизия устарела")
	}
	if status.ReleasedAt != "" {
		pr.Printf("Выпущен:         %s\n", status.ReleasedAt)
	}
	for name, link := range status.Links {
		pr.Printf("Ссылка %s: %s\n", name, link)
	}
}

// settableKeys перечисляет ключи команды set и подсказки по значениям.
var settableKeys = []commandDescriptor{
	{name: "theme", description: "light|dark|auto"},
	{name: "language", description: "ru|en"},
	{name: "api.url", description: "base URL of the backend"},
	{name: "api.timeout", description: "request timeout, ms"},
	{name: "api.retries", description: "retry attempts, integer"},
	{name: "cache.enabled", description: "true|false"},
	{name: "cache.ttl", description: "cache TTL, ms"},
	{name: "notifications.enabled", description: "true|false"},
	{name: "notifications.sound", description: "true|false"},
	{name: "scanner.flash", description: "auto|on|off"},
	{name: "analytics.enabled", description: "true|false"},
}

// handleSet меняет одно поле настроек: группа читается целиком, поле
// правится и группа передаётся в Update целиком.
func (s *Service) handleSet(args []string) {
	if len(args) != 2 {
		pr.Println("usage: set <key> <value>; keys:")
		for _, k := range settableKeys {
			pr.Printf("  %-22s - %s\n", k.name, k.description)
		}
		return
	}

	patch, err := s.buildPatch(args[0], args[1])
	if err != nil {
		pr.ErrPrintln("set error:", err)
		return
	}
	s.cfg.Update(patch)
	pr.Printf("%s = %s\n", args[0], args[1])
}

// buildPatch превращает пару ключ/значение в типизированный патч настроек.
func (s *Service) buildPatch(key, value string) (settings.Patch, error) {
	current := s.cfg.GetAll()

	switch key {
	case "theme":
		theme := settings.ThemeMode(value)
		switch theme {
		case settings.ThemeLight, settings.ThemeDark, settings.ThemeAuto:
			return settings.Patch{Theme: &theme}, nil
		}
		return settings.Patch{}, fmt.Errorf("unknown theme %q", value)
	case "language":
		if value != settings.LanguageRU && value != settings.LanguageEN {
			return settings.Patch{}, fmt.Errorf("unknown language %q", value)
		}
		return settings.Patch{Language: &value}, nil
	case "api.url":
		group := current.API
		group.BaseURL = value
		return settings.Patch{API: &group}, nil
	case "api.timeout":
		ms, err := parsePositiveInt(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.API
		group.TimeoutMS = ms
		return settings.Patch{API: &group}, nil
	case "api.retries":
		n, err := parseNonNegativeInt(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.API
		group.RetryAttempts = n
		return settings.Patch{API: &group}, nil
	case "cache.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.Cache
		group.Enabled = enabled
		return settings.Patch{Cache: &group}, nil
	case "cache.ttl":
		ms, err := parsePositiveInt(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.Cache
		group.TTLMS = ms
		return settings.Patch{Cache: &group}, nil
	case "notifications.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.Notifications
		group.Enabled = enabled
		return settings.Patch{Notifications: &group}, nil
	case "notifications.sound":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.Notifications
		group.Sound = enabled
		return settings.Patch{Notifications: &group}, nil
	case "scanner.flash":
		mode := settings.FlashMode(value)
		switch mode {
		case settings.FlashAuto, settings.FlashOn, settings.FlashOff:
			group := current.QRScanner
			group.FlashMode = mode
			return settings.Patch{QRScanner: &group}, nil
		}
		return settings.Patch{}, fmt.Errorf("unknown flash mode %q", value)
	case "analytics.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings.Patch{}, err
		}
		group := current.Analytics
		group.Enabled = enabled
		return settings.Patch{Analytics: &group}, nil
	default:
		return settings.Patch{}, fmt.Errorf("unknown settings key %q", key)
	}
}

// parsePositiveInt разбирает строго положительное целое.
func parsePositiveInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}

// parseNonNegativeInt разбирает целое >= 0.
func parseNonNegativeInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", value)
	}
	if n < 0 {
		return 0, fmt.Errorf("value must not be negative, got %d", n)
	}
	return n, nil
}

// handleExport сохраняет настройки в JSON-файл атомарной записью.
func (s *Service) handleExport(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: export <file>")
		return
	}
	blob, err := s.cfg.Export()
	if err != nil {
		pr.ErrPrintln("export error:", err)
		return
	}
	if err = storage.AtomicWriteFile(args[0], []byte(blob)); err != nil {
		pr.ErrPrintln("export error:", err)
		return
	}
	pr.Println("Settings exported to", args[0])
}

// handleImport загружает настройки из JSON-файла; битый файл не меняет состояние.
func (s *Service) handleImport(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: import <file>")
		return
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		pr.ErrPrintln("import error:", err)
		return
	}
	if err = s.cfg.Import(string(raw)); err != nil {
		pr.ErrPrintln("import error:", err)
		return
	}
	pr.Println("Settings imported from", args[0])
}

// handleNotices печатает активные уведомления в порядке добавления.
func (s *Service) handleNotices() {
	queue := s.notices.GetAll()
	if len(queue) == 0 {
		pr.Println("No active notifications.")
		return
	}
	for _, n := range queue {
		lifetime := "sticky"
		if n.Duration > 0 {
			lifetime = n.Duration.String()
		}
		pr.Printf("[%s] %s: %s (id=%s, %s, %s)\n",
			n.Kind, n.Title, n.Message, n.ID, n.Timestamp.Format(time.RFC3339), lifetime)
	}
	pr.Printf("Total notifications: %d\n", len(queue))
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}
