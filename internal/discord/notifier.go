package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/notify"
)

const (
	colorDefault = 0x5865f2
	colorError   = 0xed4245
)

// embedSender is the slice of discordgo.Session the notifier uses.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Notifier sends replies as embeds, deleting timed ones after their
// expiry so the channel doesn't fill with stale bot output.
type Notifier struct {
	sender embedSender
	logger zerolog.Logger
}

func NewNotifier(sender embedSender, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Reply implements notify.Notifier.
func (n *Notifier) Reply(ctx context.Context, channelID string, r notify.Reply) error {
	msg, err := n.sender.ChannelMessageSendEmbed(channelID, buildEmbed(r))
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}

	if r.Expiry > 0 {
		time.AfterFunc(r.Expiry, func() {
			if err := n.sender.ChannelMessageDelete(channelID, msg.ID); err != nil {
				n.logger.Debug().Err(err).Str("channel", channelID).Msg("Failed to delete expired reply")
			}
		})
	}
	return nil
}

func buildEmbed(r notify.Reply) *discordgo.MessageEmbed {
	color := colorDefault
	if r.Err {
		color = colorError
	}

	embed := &discordgo.MessageEmbed{
		Title:       r.Title,
		Description: r.Body,
		Color:       color,
	}
	for _, f := range r.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  f.Name,
			Value: f.Value,
		})
	}
	return embed
}
