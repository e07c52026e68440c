// Package transport defines the chat-platform-neutral types the playback
// core speaks: incoming updates, outgoing sends, and the Adapter interface a
// platform binding (Telegram today) implements. Nothing here imports a
// platform SDK.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event from the platform. Exactly one of Message or
// Callback is set, matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id, 0 when not in a topic
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// ChatTarget addresses an outgoing send.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies an already-sent message for later edits.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Notification priorities. The notifier picks its visual prefix from these
// bands, so use the constants rather than bare numbers.
const (
	PriorityLow      = 0
	PriorityInfo     = 5
	PriorityWarn     = 7
	PriorityCritical = 9
)

// Notification is a fire-and-forget operator message.
type Notification struct {
	Channel  string // delivery channel name, "telegram" today
	Priority int    // 0 low .. 10 high, see the Priority* constants
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is one platform binding. Start feeds updates into out until ctx
// ends; the send methods must be safe for concurrent use.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry for the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is optionally implemented by adapters that can sync the
// command list into the platform UI (Telegram's / menu).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
