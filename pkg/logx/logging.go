package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "warden/internal/transport"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig forwards WARN+ log lines to a chat thread so moderators see
// operational problems without shell access.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// ChatSender is the narrow slice of the gateway the chat sink needs.
type ChatSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Logger is a lightweight structured logger.
//
//   - If created from Service, it stays live across Service.Apply() calls.
//   - With() returns a derived logger with additional fixed fields.
//   - Zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone console logger, used for bootstrapping
// before the full log service exists.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	zl := zerolog.New(cw).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *os.File

	sender     ChatSender
	chatQueue  chan chatItem
	chatOnce   sync.Once
	chatCancel context.CancelFunc
	chatWG     sync.WaitGroup

	// guarded by mu
	chatID   int64
	threadID int
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type chatItem struct {
	to  kit.ChatTarget
	msg string
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
func New(cfg Config, sender ChatSender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{
		cfg:       cfg,
		sender:    sender,
		chatQueue: make(chan chatItem, 256),
		chatID:    cfg.Chat.ChatID,
		threadID:  cfg.Chat.ThreadID,
	}

	boot := newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(boot)
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetChatTarget re-points the chat sink, e.g. after the mod chat id is
// resolved at startup.
func (s *Service) SetChatTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.chatID = chatID
	if threadID != 0 {
		s.threadID = threadID
	}
	s.mu.Unlock()
}

// SetSender attaches the chat sink's outbound transport once the gateway
// exists, then re-applies the current config so the sink starts.
func (s *Service) SetSender(sender ChatSender) {
	s.mu.Lock()
	s.sender = sender
	cfg := s.cfg
	s.mu.Unlock()
	s.Apply(cfg)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.chatCancel
	s.chatCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.chatWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.minLevel = parseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel)
	rps := cfg.Chat.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Chat.ChatID != 0 {
		s.chatID = cfg.Chat.ChatID
	}
	if cfg.Chat.ThreadID != 0 {
		s.threadID = cfg.Chat.ThreadID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./warden.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Chat.Enabled && s.sender != nil {
		s.chatOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.chatCancel = cancel
			s.chatWG.Add(1)
			go func() {
				defer s.chatWG.Done()
				s.chatWorker(ctx)
			}()
		})
		writers = append(writers, &chatWriter{svc: s})
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	mw := zerolog.MultiLevelWriter(writers...)
	zl := zerolog.New(mw).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) chatWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.chatQueue:
			s.mu.Lock()
			snd := s.sender
			s.mu.Unlock()
			if snd == nil {
				continue
			}
			_, _ = snd.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
		}
	}
}

func (s *Service) enqueueChatLog(to kit.ChatTarget, msg string) {
	// Never block core logging.
	select {
	case s.chatQueue <- chatItem{to: to, msg: msg}:
	default:
	}
}

// ---- chat writer (zerolog sink) ----

type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID := s.chatID
	threadID := s.threadID
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if chatID == 0 || s.sender == nil || lim == nil {
		return len(p), nil
	}
	if level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg := formatChatLine(p)
	if msg == "" {
		return len(p), nil
	}
	s.enqueueChatLog(kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, msg)
	return len(p), nil
}

func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
