// Package bot turns stream chat messages into queue and verification actions.
package bot

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/chzzk-bridge/chat"
	"github.com/onnwee/chzzk-bridge/queue"
	"github.com/onnwee/chzzk-bridge/telemetry"
	"github.com/onnwee/chzzk-bridge/verify"
)

const (
	DefaultJoinCommand  = "!시참"
	DefaultLeaveCommand = "!시참취소"
	DefaultPopCommand   = "!pop"

	// EmptyQueueMessage is posted when a pop finds nobody waiting.
	EmptyQueueMessage = "시참 인원 없다 하@꼬쉑ㅋ"
	unknownNickname   = "알 수 없는 사용자"
)

// Sender posts to stream chat.
type Sender interface {
	Send(ctx context.Context, message string) bool
}

// Overlay displays the current queue.
type Overlay interface {
	Update(ctx context.Context, names []string)
}

// CodeMatcher consumes verification codes typed in chat.
type CodeMatcher interface {
	HandleChat(ctx context.Context, streamNick, text string) bool
}

// Bot handles chat commands. It implements chat.Handler.
type Bot struct {
	Queue    *queue.Queue
	Sender   Sender
	Overlay  Overlay
	Verifier CodeMatcher

	JoinCommand  string
	LeaveCommand string
	PopCommand   string
}

var _ chat.Handler = (*Bot)(nil)

func (b *Bot) joinCommand() string {
	if b.JoinCommand != "" {
		return b.JoinCommand
	}
	return DefaultJoinCommand
}

func (b *Bot) leaveCommand() string {
	if b.LeaveCommand != "" {
		return b.LeaveCommand
	}
	return DefaultLeaveCommand
}

func (b *Bot) popCommand() string {
	if b.PopCommand != "" {
		return b.PopCommand
	}
	return DefaultPopCommand
}

// OnChatMessage dispatches one chat message.
func (b *Bot) OnChatMessage(ctx context.Context, profile chat.Profile, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	nick := profile.Nickname
	if nick == "" {
		nick = unknownNickname
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bot"), slog.String("nickname", nick))

	if verify.IsCode(text) {
		if b.Verifier != nil {
			b.Verifier.HandleChat(ctx, nick, text)
		}
		return
	}

	fields := strings.Fields(text)
	switch fields[0] {
	case b.joinCommand():
		if len(fields) != 1 {
			return
		}
		if !b.Queue.Add(nick) {
			log.Info("already queued")
			return
		}
		log.Info("joined queue", slog.Int("position", b.Queue.Len()))
		b.refreshOverlay(ctx)
	case b.leaveCommand():
		if len(fields) != 1 || !b.Queue.Remove(nick) {
			return
		}
		log.Info("left queue")
		b.refreshOverlay(ctx)
	case b.popCommand():
		if !profile.IsModerator() {
			log.Warn("unauthorized pop attempt")
			return
		}
		b.pop(ctx, popCount(fields), log)
	}
}

// popCount reads the optional count argument; anything but a positive
// integer means 1.
func popCount(fields []string) int {
	if len(fields) < 2 {
		return 1
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (b *Bot) pop(ctx context.Context, n int, log *slog.Logger) {
	if b.Queue.IsEmpty() {
		log.Info("pop on empty queue")
		b.send(ctx, EmptyQueueMessage)
		return
	}
	popped := b.Queue.Pop(n)
	log.Info("popped from queue", slog.Int("requested", n), slog.Any("names", popped))
	b.send(ctx, AnnouncePopped(popped))
	b.refreshOverlay(ctx)
}

// AnnouncePopped formats the chat announcement for popped participants.
func AnnouncePopped(names []string) string {
	return strings.Join(names, ", ") + "님 참여 순서입니다!"
}

func (b *Bot) send(ctx context.Context, msg string) {
	if b.Sender != nil {
		b.Sender.Send(ctx, msg)
	}
}

func (b *Bot) refreshOverlay(ctx context.Context) {
	if b.Overlay != nil {
		b.Overlay.Update(ctx, b.Queue.Snapshot())
	}
}
