package transport

import (
	"context"
	"time"
)

// Message is the inbound event shape consumed by the spam scorer and the
// monitored-channel cooldown. Everything the scorer weighs is carried
// here so it never has to reach back into the platform library.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	Mentions     int
	Attachments  int
	IsGroup      bool
	Time         time.Time
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "HTML" or "" (plain)
	DisablePreview bool
}

// RolePerms is a named permission preset. Applying it to a member
// restricts them to exactly these capabilities; removing it restores the
// chat defaults.
type RolePerms struct {
	Name         string
	CanSendText  bool
	CanSendMedia bool
	CanAddLinks  bool
	CanInvite    bool
}

// Gateway is the chat-platform boundary. The scheduler's executors, the
// moderation dispatcher and the mod log all speak through it; only the
// telegram adapter knows the wire library.
type Gateway interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SelfID() int64

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// MemberExists reports whether the user is currently a member of the
	// chat (left/kicked members do not count).
	MemberExists(ctx context.Context, chatID, userID int64) (bool, error)
	RestrictUser(ctx context.Context, chatID, userID int64, perms RolePerms) error
	LiftRestrictions(ctx context.Context, chatID, userID int64) error

	IsBanned(ctx context.Context, chatID, userID int64) (bool, error)
	Unban(ctx context.Context, chatID, userID int64) error

	SetChatPhoto(ctx context.Context, chatID int64, image []byte) error
}
