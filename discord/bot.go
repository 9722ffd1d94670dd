// Package discord runs the Discord side of account verification: the
// announcement with its "인증하기" button, code issuance and role grants.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/chzzk-bridge/verify"
)

const (
	// VerifyButtonID is the custom_id of the persistent verification button.
	VerifyButtonID = "verify_button"

	colorBlue = 0x3498db
	colorRed  = 0xe74c3c

	msgAlreadyVerified = "이미 인증을 완료하셨습니다."
	msgAlreadyPending  = "이미 인증 절차를 진행 중입니다. 전송된 코드를 확인해주세요."
	msgExpired         = "인증 시간이 초과되었습니다. '인증하기' 버튼을 다시 눌러주세요."
	msgIssueFailed     = "인증 코드를 생성하지 못했습니다. 잠시 후 다시 시도해주세요."
)

// Config identifies the guild, channel and role used for verification.
type Config struct {
	Token            string
	GuildID          string
	AuthChannelID    string
	AuthRoleID       string
	AnnouncementFile string
}

// Bot is the Discord verification front end. It implements verify.Guild.
type Bot struct {
	cfg     Config
	api     API
	session *discordgo.Session
	table   *verify.Table
	store   *AnnouncementStore

	mu             sync.Mutex
	announcementID string
}

var _ verify.Guild = (*Bot)(nil)

// New creates a bot backed by a discordgo session. Call Run to connect.
func New(cfg Config, table *verify.Table) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	b := newBot(cfg, sessionAPI{s}, table)
	b.session = s
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord bot logged in", slog.String("user", r.User.Username), slog.String("id", r.User.ID))
		b.PublishAnnouncement(false)
	})
	s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		b.HandleInteraction(i.Interaction)
	})
	return b, nil
}

func newBot(cfg Config, api API, table *verify.Table) *Bot {
	if cfg.AnnouncementFile == "" {
		cfg.AnnouncementFile = "announcement_message_id.txt"
	}
	return &Bot{cfg: cfg, api: api, table: table, store: &AnnouncementStore{Path: cfg.AnnouncementFile}}
}

// Run opens the gateway, blocks until ctx is done, then marks the
// announcement offline and closes the session.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	<-ctx.Done()
	slog.Info("discord bot shutting down")
	b.PublishAnnouncement(true)
	if err := b.session.Close(); err != nil {
		slog.Warn("closing discord session", slog.Any("err", err))
	}
	return nil
}

// HandleInteraction routes component interactions by custom_id.
func (b *Bot) HandleInteraction(i *discordgo.Interaction) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	if i.MessageComponentData().CustomID != VerifyButtonID {
		return
	}
	b.handleVerifyButton(i)
}

func (b *Bot) handleVerifyButton(i *discordgo.Interaction) {
	if i.Member == nil || i.Member.User == nil {
		return
	}
	user := i.Member.User
	log := slog.Default().With(slog.String("component", "discord"), slog.String("user", user.ID))

	if hasRole(i.Member, b.cfg.AuthRoleID) {
		b.reply(i, msgAlreadyVerified)
		return
	}
	code, _, err := b.table.Issue(user.ID, func() {
		log.Info("verification code expired")
		if err := b.api.Followup(i, &discordgo.WebhookParams{Content: msgExpired, Flags: discordgo.MessageFlagsEphemeral}); err != nil {
			log.Debug("expiry follow-up not delivered", slog.Any("err", err))
		}
	})
	if errors.Is(err, verify.ErrAlreadyPending) {
		b.reply(i, msgAlreadyPending)
		return
	}
	if err != nil {
		log.Error("failed to issue verification code", slog.Any("err", err))
		b.reply(i, msgIssueFailed)
		return
	}
	if !b.reply(i, codeMessage(code, b.table.TTL)) {
		// the member never saw the code; let them press again
		b.table.Withdraw(user.ID)
		log.Warn("verification code not delivered, withdrawn")
		return
	}
	log.Info("verification code issued", slog.String("name", user.Username))
}

func codeMessage(code string, ttl time.Duration) string {
	return fmt.Sprintf("**방송 채팅에 `%s`를 입력해주세요!**\n\n**주의:** 코드를 다른 사람에게 노출하지 마세요. %d분 내에 입력해야 합니다.", code, int(ttl.Minutes()))
}

// reply answers the interaction ephemerally and reports whether it was delivered.
func (b *Bot) reply(i *discordgo.Interaction, content string) bool {
	err := b.api.Respond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
	})
	if err == nil {
		return true
	}
	// already acknowledged; fall back to a follow-up
	if ferr := b.api.Followup(i, &discordgo.WebhookParams{Content: content, Flags: discordgo.MessageFlagsEphemeral}); ferr != nil {
		slog.Warn("failed to answer interaction", slog.Any("err", err), slog.Any("followup_err", ferr))
		return false
	}
	return true
}

func hasRole(m *discordgo.Member, roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// DisplayName returns the member's guild nickname, global name or username.
func (b *Bot) DisplayName(_ context.Context, userID string) (string, error) {
	m, err := b.api.GuildMember(b.cfg.GuildID, userID)
	if err != nil {
		return "", fmt.Errorf("fetch member %s: %w", userID, err)
	}
	switch {
	case m.Nick != "":
		return m.Nick, nil
	case m.User != nil && m.User.GlobalName != "":
		return m.User.GlobalName, nil
	case m.User != nil:
		return m.User.Username, nil
	}
	return userID, nil
}

// GrantRole gives the member the verified role.
func (b *Bot) GrantRole(_ context.Context, userID string) error {
	return b.api.AddRole(b.cfg.GuildID, userID, b.cfg.AuthRoleID)
}

// SetNickname changes the member's guild nickname.
func (b *Bot) SetNickname(_ context.Context, userID, nickname string) error {
	return b.api.SetNickname(b.cfg.GuildID, userID, nickname)
}

func announcementEmbed(offline bool) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "치지직-디스코드 연동 인증",
		Description: "치지직 스트리머 채널과 연동하여 인증된 사용자 역할을 받아보세요!",
		Color:       colorBlue,
	}
	if offline {
		e.Description = "현재 봇이 오프라인 상태입니다. 인증을 진행할 수 없습니다.\n잠시 후 다시 시도해주세요."
		e.Color = colorRed
		return e
	}
	e.Fields = []*discordgo.MessageEmbedField{{
		Name:  "인증 방법",
		Value: "1. 아래 '인증하기' 버튼을 클릭하세요.\n2. 봇이 보내주는 6자리 인증 코드를 확인합니다.\n3. **인증하려는 치지직 계정으로** 방송 채팅창에 해당 인증 코드를 입력해주세요.",
	}}
	e.Footer = &discordgo.MessageEmbedFooter{Text: "봇이 온라인 상태일 때만 인증이 가능합니다."}
	return e
}

func announcementComponents(offline bool) []discordgo.MessageComponent {
	if offline {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "인증하기", Style: discordgo.PrimaryButton, CustomID: VerifyButtonID},
	}}}
}

// PublishAnnouncement edits the existing announcement in place, or posts a
// new one and records its id when there is none or the edit fails.
func (b *Bot) PublishAnnouncement(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := slog.Default().With(slog.String("component", "discord"), slog.Bool("offline", offline))
	embed := announcementEmbed(offline)
	components := announcementComponents(offline)

	if b.announcementID == "" {
		id, err := b.store.Load()
		if err != nil {
			log.Warn("failed to load announcement id", slog.Any("err", err))
		}
		b.announcementID = id
	}
	if b.announcementID != "" {
		if _, err := b.api.ChannelMessage(b.cfg.AuthChannelID, b.announcementID); err != nil {
			log.Info("stored announcement not found, creating a new one", slog.Any("err", err))
			b.announcementID = ""
		}
	}
	if b.announcementID != "" {
		embeds := []*discordgo.MessageEmbed{embed}
		_, err := b.api.EditMessage(&discordgo.MessageEdit{
			ID:         b.announcementID,
			Channel:    b.cfg.AuthChannelID,
			Embeds:     &embeds,
			Components: &components,
		})
		if err == nil {
			log.Info("announcement updated")
			return
		}
		log.Warn("failed to edit announcement", slog.Any("err", err))
		b.announcementID = ""
	}

	msg, err := b.api.SendMessage(b.cfg.AuthChannelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	})
	if err != nil {
		log.Error("failed to post announcement", slog.Any("err", err))
		return
	}
	b.announcementID = msg.ID
	if err := b.store.Save(msg.ID); err != nil {
		log.Warn("failed to persist announcement id", slog.Any("err", err))
	}
	log.Info("announcement posted", slog.String("message_id", msg.ID))
}
