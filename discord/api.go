package discord

import "github.com/bwmarrin/discordgo"

// API is the part of the Discord REST surface the bot uses.
type API interface {
	ChannelMessage(channelID, messageID string) (*discordgo.Message, error)
	SendMessage(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	EditMessage(edit *discordgo.MessageEdit) (*discordgo.Message, error)
	GuildMember(guildID, userID string) (*discordgo.Member, error)
	AddRole(guildID, userID, roleID string) error
	SetNickname(guildID, userID, nickname string) error
	Respond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) error
	Followup(i *discordgo.Interaction, params *discordgo.WebhookParams) error
}

type sessionAPI struct{ s *discordgo.Session }

func (a sessionAPI) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	return a.s.ChannelMessage(channelID, messageID)
}

func (a sessionAPI) SendMessage(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return a.s.ChannelMessageSendComplex(channelID, data)
}

func (a sessionAPI) EditMessage(edit *discordgo.MessageEdit) (*discordgo.Message, error) {
	return a.s.ChannelMessageEditComplex(edit)
}

func (a sessionAPI) GuildMember(guildID, userID string) (*discordgo.Member, error) {
	return a.s.GuildMember(guildID, userID)
}

func (a sessionAPI) AddRole(guildID, userID, roleID string) error {
	return a.s.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (a sessionAPI) SetNickname(guildID, userID, nickname string) error {
	return a.s.GuildMemberNickname(guildID, userID, nickname)
}

func (a sessionAPI) Respond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	return a.s.InteractionRespond(i, resp)
}

func (a sessionAPI) Followup(i *discordgo.Interaction, params *discordgo.WebhookParams) error {
	_, err := a.s.FollowupMessageCreate(i, true, params)
	return err
}
