// transport/commands.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type Command string

const (
	CommandReboot    Command = "reboot"
	CommandFlushLogs Command = "flush_logs"
	CommandClearLogs Command = "clear_logs"
)

var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand 接受纯文本命令名，忽略大小写和首尾空白
func ParseCommand(payload string) (Command, error) {
	cmd := Command(strings.ToLower(strings.TrimSpace(payload)))
	switch cmd {
	case CommandReboot, CommandFlushLogs, CommandClearLogs:
		return cmd, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, payload)
}

type CommandHandler func(ctx context.Context) error

// Router 将远程命令分派到本地处理函数
type Router struct {
	mu       sync.RWMutex
	handlers map[Command]CommandHandler
	onPanic  func(v any)
	log      *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		handlers: make(map[Command]CommandHandler),
		log:      log,
	}
}

func (r *Router) Handle(cmd Command, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = h
}

func (r *Router) Dispatch(ctx context.Context, cmd Command) error {
	r.mu.RLock()
	h, ok := r.handlers[cmd]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return h(ctx)
}

// SetPanicHandler 处理函数panic时先调用 fn，再继续panic
func (r *Router) SetPanicHandler(fn func(v any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = fn
}

// Serve 消费命令直到通道关闭或ctx取消
func (r *Router) Serve(ctx context.Context, cmds <-chan Command) {
	defer r.recoverPanic()
	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			r.log.Info("remote command received", "command", cmd)
			if err := r.Dispatch(ctx, cmd); err != nil {
				r.log.Error("remote command failed", "command", cmd, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) recoverPanic() {
	v := recover()
	if v == nil {
		return
	}
	r.mu.RLock()
	fn := r.onPanic
	r.mu.RUnlock()
	if fn != nil {
		fn(v)
	}
	panic(v)
}
