package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// MaxNicknameRunes is Discord's guild nickname limit.
const MaxNicknameRunes = 32

// Guild is the Discord-side operations needed to complete a verification.
type Guild interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	GrantRole(ctx context.Context, userID string) error
	SetNickname(ctx context.Context, userID, nickname string) error
}

// ChatSender posts a message to stream chat.
type ChatSender interface {
	Send(ctx context.Context, message string) bool
}

// Verifier completes verifications when a pending code shows up in chat.
type Verifier struct {
	Table *Table
	Guild Guild
	Chat  ChatSender
}

// LinkedNickname builds "{streamNick}({displayName})", shortened to
// MaxNicknameRunes with a trailing ellipsis.
func LinkedNickname(streamNick, displayName string) string {
	nick := fmt.Sprintf("%s(%s)", streamNick, displayName)
	r := []rune(nick)
	if len(r) > MaxNicknameRunes {
		return string(r[:MaxNicknameRunes-1]) + "…"
	}
	return nick
}

// ConfirmationMessage is posted to stream chat after a successful link.
func ConfirmationMessage(streamNick string) string {
	return fmt.Sprintf("\"%s\"님 디스코드 연동 인증이 완료되었습니다!", streamNick)
}

// HandleChat checks text against pending codes. It reports whether text
// consumed a code; the Discord and chat side effects are best effort.
func (v *Verifier) HandleChat(ctx context.Context, streamNick, text string) bool {
	if !IsCode(text) {
		return false
	}
	userID, ok := v.Table.Consume(text)
	if !ok {
		return false
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "verify"), slog.String("user", userID), slog.String("nickname", streamNick))
	log.Info("verification code matched")

	if err := v.complete(ctx, userID, streamNick, log); err != nil {
		telemetry.Count(telemetry.Verifications, "failed")
		log.Error("verification failed", slog.Any("err", err))
		return true
	}
	telemetry.Count(telemetry.Verifications, "matched")
	return true
}

func (v *Verifier) complete(ctx context.Context, userID, streamNick string, log *slog.Logger) error {
	display, err := v.Guild.DisplayName(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup member: %w", err)
	}
	if err := v.Guild.GrantRole(ctx, userID); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	nick := LinkedNickname(streamNick, display)
	if err := v.Guild.SetNickname(ctx, userID, nick); err != nil {
		// the role is already granted; owners and higher roles cannot be renamed
		log.Warn("failed to set nickname", slog.String("nick", nick), slog.Any("err", err))
	}
	if v.Chat != nil && !v.Chat.Send(ctx, ConfirmationMessage(streamNick)) {
		log.Warn("failed to post verification confirmation")
	}
	return nil
}
