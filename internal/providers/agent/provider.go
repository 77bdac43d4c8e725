package agent

import (
	"context"
	"errors"
)

var ErrAgentUnavailable = errors.New("agent api unavailable")

// Channel is a messaging channel attached to an agent.
type Channel struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

const ChannelTypeWhatsApp = "WHATSAPP"

// Provider reports per-agent usage and channel state from the external agent
// platform.
type Provider interface {
	ListChannels(ctx context.Context, agentID string) ([]Channel, error)
	// CreditsSpent returns the credits consumed by the agent in the given
	// calendar month.
	CreditsSpent(ctx context.Context, agentID string, year int, month int) (int64, error)
}

// HasConnectedWhatsApp reports whether any connected WhatsApp channel exists.
func HasConnectedWhatsApp(channels []Channel) bool {
	for _, ch := range channels {
		if ch.Type == ChannelTypeWhatsApp && ch.Connected {
			return true
		}
	}
	return false
}
