// Package telegram adapts the telebot library to warden's Gateway.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "warden/internal/transport"
	"warden/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- kit.Message)

	runMu   sync.Mutex
	running bool

	// dropped counts messages dropped because the consumer was slower than
	// the poll loop; reported once per reporting window to avoid log spam.
	dropped uint64
	pollWG  sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.send(messageFromTele(m))
		return nil
	}
	// Text and media arrive on separate telebot endpoints; both feed the
	// same scorer pipeline.
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnMedia, forward)
}

func messageFromTele(m *tele.Message) kit.Message {
	return kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromIsBot:    m.Sender.IsBot,
		Text:         messageText(m),
		Mentions:     countMentions(m),
		Attachments:  countAttachments(m),
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		Time:         m.Time(),
	}
}

func messageText(m *tele.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func countMentions(m *tele.Message) int {
	n := 0
	for _, ents := range [][]tele.MessageEntity{m.Entities, m.CaptionEntities} {
		for _, e := range ents {
			if e.Type == tele.EntityMention || e.Type == tele.EntityTMention {
				n++
			}
		}
	}
	return n
}

func countAttachments(m *tele.Message) int {
	n := 0
	if m.Photo != nil {
		n++
	}
	if m.Video != nil {
		n++
	}
	if m.Document != nil {
		n++
	}
	if m.Audio != nil {
		n++
	}
	if m.Animation != nil {
		n++
	}
	if m.Sticker != nil {
		n++
	}
	return n
}

func (a *Adapter) send(msg kit.Message) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) SelfID() int64 {
	if a.bot != nil && a.bot.Me != nil {
		return a.bot.Me.ID
	}
	return 0
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.runMu.Unlock()

	a.pollWG.Add(1)
	go func() {
		defer a.pollWG.Done()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()

	a.pollWG.Add(1)
	go func() {
		defer a.pollWG.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("inbound messages dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning {
		return nil
	}

	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		a.pollWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	_ = ctx
	sendOpts := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		sendOpts.ParseMode = opt.ParseMode
		sendOpts.DisableWebPagePreview = opt.DisablePreview
	}
	m, err := a.bot.Send(tele.ChatID(to.ChatID), text, sendOpts)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	_ = ctx
	return a.bot.Delete(&tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	})
}

func (a *Adapter) MemberExists(ctx context.Context, chatID, userID int64) (bool, error) {
	_ = ctx
	member, err := a.bot.ChatMemberOf(tele.ChatID(chatID), &tele.User{ID: userID})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	switch member.Role {
	case tele.Left, tele.Kicked:
		return false, nil
	}
	return true, nil
}

func (a *Adapter) RestrictUser(ctx context.Context, chatID, userID int64, perms kit.RolePerms) error {
	_ = ctx
	rights := tele.Rights{
		CanSendMessages: perms.CanSendText,
		CanSendMedia:    perms.CanSendMedia,
		CanSendOther:    perms.CanSendMedia,
		CanAddPreviews:  perms.CanAddLinks,
		CanInviteUsers:  perms.CanInvite,
	}
	return a.bot.Restrict(&tele.Chat{ID: chatID}, &tele.ChatMember{
		User:   &tele.User{ID: userID},
		Rights: rights,
	})
}

func (a *Adapter) LiftRestrictions(ctx context.Context, chatID, userID int64) error {
	_ = ctx
	// Restoring full member rights hands permission control back to the
	// chat's own defaults.
	return a.bot.Restrict(&tele.Chat{ID: chatID}, &tele.ChatMember{
		User:   &tele.User{ID: userID},
		Rights: tele.NoRestrictions(),
	})
}

func (a *Adapter) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	_ = ctx
	member, err := a.bot.ChatMemberOf(tele.ChatID(chatID), &tele.User{ID: userID})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return member.Role == tele.Kicked, nil
}

func (a *Adapter) Unban(ctx context.Context, chatID, userID int64) error {
	_ = ctx
	return a.bot.Unban(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
}

func (a *Adapter) SetChatPhoto(ctx context.Context, chatID int64, image []byte) error {
	_ = ctx
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(image))}
	return a.bot.SetGroupPhoto(&tele.Chat{ID: chatID}, photo)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "not found") || strings.Contains(s, "participant_id_invalid")
}
