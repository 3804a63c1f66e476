package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// Session is the part of *discordgo.Session the sender needs.
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Session = (*discordgo.Session)(nil)

// discordMessageMax is Discord's content ceiling.
const discordMessageMax = 2000

// Sender mirrors plain text announcements into Discord channels.
type Sender struct {
	session Session
}

var _ app.MessageSender = (*Sender)(nil)

func NewSender(session Session) *Sender {
	return &Sender{session: session}
}

// Open creates a bot session from token. The session only sends over REST, so no
// gateway connection is opened.
func Open(token string) (*Sender, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewSender(s), nil
}

func (s *Sender) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	text = app.Truncate(text, discordMessageMax)
	msg, err := s.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch code := restErr.Response.StatusCode; {
			case code == http.StatusForbidden, code == http.StatusNotFound:
				return "", fmt.Errorf("%w: discord channel %s: %v", domain.ErrRecipientUnavailable, channelID, err)
			case code == http.StatusBadRequest:
				return "", fmt.Errorf("%w: discord channel %s: %v", domain.ErrUnsendable, channelID, err)
			}
		}
		return "", fmt.Errorf("%w: discord channel %s: %v", domain.ErrDeliveryFailure, channelID, err)
	}
	return msg.ID, nil
}
