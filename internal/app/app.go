// Package app — верхний уровень сборки клиента статусов документов.
// Здесь связываются конфигурация, локальное хранилище состояния, сторы
// (настройки, сессия, уведомления), HTTP-клиент бэкенда и CLI. Запуск и
// остановка подсистем идут через lifecycle-менеджер с явными зависимостями,
// поэтому порядок всегда предсказуем: хранилище раньше сторов, сторы раньше CLI.
package app

import (
	"context"
	"fmt"

	"qrstatus-client/internal/adapters/backend"
	"qrstatus-client/internal/adapters/cli"
	"qrstatus-client/internal/domain/notify"
	"qrstatus-client/internal/domain/session"
	"qrstatus-client/internal/domain/settings"
	"qrstatus-client/internal/infra/config"
	"qrstatus-client/internal/infra/lifecycle"
	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/storage"
	versioninfo "qrstatus-client/internal/support/version"
)

// Имена lifecycle-узлов. Зависимости ниже ссылаются на эти константы.
const (
	nodeStorage       = "storage"
	nodeSettings      = "settings"
	nodeBackend       = "backend"
	nodeSession       = "session"
	nodeNotifications = "notifications"
	nodeCLI           = "cli"
)

// App агрегирует подсистемы клиента и управляет их связью.
// Отвечает за:
//   - открытие локального bbolt-хранилища состояния,
//   - сборку сторов настроек/сессии/уведомлений поверх него,
//   - HTTP-клиент бэкенда и его живую перенастройку из настроек,
//   - CLI и корректный graceful shutdown через lifecycle.
type App struct {
	mainCtx    context.Context    // контекст жизненного цикла приложения
	mainCancel context.CancelFunc // инициирует отмену mainCtx

	lc *lifecycle.Manager

	kv       *storage.Bolt
	cfg      *settings.Store
	auth     *session.Store
	notices  *notify.Store
	client   *backend.Client
	console  *cli.Service
	unsubCfg func() // отписка клиента бэкенда от стора настроек
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Init().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		lc:         lifecycle.New(mainCtx),
	}
}

// Init регистрирует подсистемы в lifecycle-менеджере. Узлы объявляют свои
// зависимости; создание объектов отложено в StartFunc, чтобы каждый узел
// собирался уже после своих зависимостей.
func (a *App) Init() error {
	env := config.Env()

	if err := a.lc.Register(nodeStorage, nil,
		func(context.Context) error {
			kv, err := storage.OpenBolt(env.StateFile)
			if err != nil {
				return fmt.Errorf("open state storage: %w", err)
			}
			a.kv = kv
			return nil
		},
		func() error { return a.kv.Close() },
	); err != nil {
		return err
	}

	if err := a.lc.Register(nodeSettings, []string{nodeStorage},
		func(context.Context) error {
			a.cfg = settings.New(a.kv, settings.Defaults(env.BackendBaseURL))
			return nil
		},
		func() error {
			a.cfg.Close()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.lc.Register(nodeBackend, []string{nodeSettings},
		func(context.Context) error {
			api := a.cfg.API()
			a.client = backend.New(backend.Options{
				BaseURL:       api.BaseURL,
				RPS:           env.RequestRPS,
				TimeoutMS:     api.TimeoutMS,
				RetryAttempts: api.RetryAttempts,
			})
			a.client.Reconfigure(api, a.cfg.Cache())
			// Живая перенастройка: смена таймаута/ретраев/кэша в настройках
			// сразу применяется к клиенту.
			a.unsubCfg = a.cfg.Subscribe(func(s settings.AppSettings) {
				a.client.Reconfigure(s.API, s.Cache)
			})
			return nil
		},
		func() error {
			if a.unsubCfg != nil {
				a.unsubCfg()
			}
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.lc.Register(nodeSession, []string{nodeStorage, nodeBackend},
		func(context.Context) error {
			a.auth = session.New(a.kv, a.client)
			return nil
		},
		func() error {
			a.auth.Close()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.lc.Register(nodeNotifications, nil,
		func(context.Context) error {
			a.notices = notify.New()
			return nil
		},
		func() error {
			a.notices.Close()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.lc.Register(nodeCLI,
		[]string{nodeSettings, nodeSession, nodeNotifications, nodeBackend},
		func(ctx context.Context) error {
			a.console = cli.NewService(a.cfg, a.auth, a.notices, a.client, a.mainCancel)
			a.console.Start(ctx)
			return nil
		},
		func() error {
			a.console.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	return nil
}

// Run запускает все подсистемы, блокируется до отмены mainCtx и выполняет
// остановку в порядке, обратном запуску.
func (a *App) Run() error {
	logger.Infof("%s v%s starting", versioninfo.Name, versioninfo.Version)

	if err := a.lc.StartAll(); err != nil {
		// Частично поднявшиеся узлы гасим, первопричину отдаём наверх.
		_ = a.lc.Shutdown()
		return fmt.Errorf("start subsystems: %w", err)
	}
	logger.Info("client is ready")

	<-a.mainCtx.Done()

	logger.Info("shutdown initiated")
	if err := a.lc.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
