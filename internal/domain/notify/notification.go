// Package notify — очередь toast-уведомлений приложения. Стор владеет
// упорядоченным списком активных уведомлений, навешивает автоистечение через
// таймеры и синхронно рассылает снимки очереди подписчикам.
package notify

import "time"

// Kind — визуальная категория уведомления.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// DefaultDuration — время жизни уведомления, если вызывающий код его не задал.
const DefaultDuration = 5 * time.Second

// ActionStyle — оформление кнопки действия.
type ActionStyle string

const (
	StylePrimary   ActionStyle = "primary"
	StyleSecondary ActionStyle = "secondary"
)

// Action — кнопка действия внутри уведомления. Action — машиночитаемый
// идентификатор, который обрабатывает потребитель очереди.
type Action struct {
	Label  string      `json:"label"`
	Action string      `json:"action"`
	Style  ActionStyle `json:"style,omitempty"`
}

// Notification — элемент очереди. ID назначается стором и уникален в пределах
// процесса; Timestamp — момент создания; Duration=0 означает «висит до явного
// закрытия».
type Notification struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"type"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Actions   []Action      `json:"actions,omitempty"`
}

// Input — параметры нового уведомления. Duration=nil означает DefaultDuration;
// явный ноль — «липкое» уведомление без автоистечения.
type Input struct {
	Kind     Kind
	Title    string
	Message  string
	Duration *time.Duration
	Actions  []Action
}

// cloneActions копирует срез действий: очередь не должна делить память с
// вызывающим кодом.
func cloneActions(actions []Action) []Action {
	if len(actions) == 0 {
		return nil
	}
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}
