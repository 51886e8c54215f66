package domain

import "strings"

// Channel names used in chat logs, metrics, and conversation keys.
const (
	ChannelWeb      = "web"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
	ChannelCLI      = "cli"
	ChannelAPI      = "api"
)

// ConversationKey builds the history key for a channel and user. An empty
// user maps to the channel's shared anonymous sequence.
func ConversationKey(channel, userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return channel
	}
	return channel + ":" + userID
}
