// Package version — сведения о сборке для CLI и диагностических сообщений.
package version

// Name — человекочитаемое имя приложения.
const Name = "qrstatus-client"

// Version задаётся на уровне исходников; при релизной сборке может
// переопределяться через -ldflags "-X qrstatus-client/internal/support/version.Version=...".
var Version = "1.2.0"
