package identity

import (
	"context"
	"fmt"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
)

// ReplyTarget addresses an out-of-band message to the conversation's lead on
// the channel the conversation started on. Text is left for the caller.
func ReplyTarget(ctx context.Context, repo Repository, c conversation.Conversation) (channel.OutboundReply, error) {
	lead, err := repo.GetLead(ctx, c.LeadID)
	if err != nil {
		return channel.OutboundReply{}, fmt.Errorf("identity: reply target lead: %w", err)
	}
	b, err := repo.FindBinding(ctx, c.AssistantID, c.Channel)
	if err != nil {
		return channel.OutboundReply{}, fmt.Errorf("identity: reply target binding: %w", err)
	}
	return channel.OutboundReply{
		Channel:         c.Channel,
		ChannelOriginID: b.OriginID,
		To:              lead.Identifier,
		Credential:      b.AccessToken,
	}, nil
}
