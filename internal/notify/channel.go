package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tasklane/settlement/internal/effect"
	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/providers"
)

// ChannelName is the effect channel for outbound notifications.
const ChannelName = "notification"

type messagePayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Channel sends one notification per effect record through a
// MessagingProvider. A destination the provider refuses (bounced, opted out)
// becomes a permanent failure and the record lands in suppressed.
type Channel struct {
	provider providers.MessagingProvider
}

func NewChannel(provider providers.MessagingProvider) *Channel {
	return &Channel{provider: provider}
}

func (c *Channel) Name() string { return ChannelName }

func (c *Channel) SuccessStatus() models.EffectStatus { return models.EffectStatusSent }

func (c *Channel) Perform(ctx context.Context, rec *models.EffectRecord) (string, error) {
	var pl messagePayload
	if err := json.Unmarshal(rec.Payload, &pl); err != nil {
		return "", effect.Permanent(fmt.Errorf("decode message payload: %w", err))
	}

	content := pl.Body
	if pl.Subject != "" {
		content = pl.Subject + "\n\n" + pl.Body
	}

	ref, err := c.provider.Send(ctx, rec.Destination, content)
	if err != nil {
		var suppressed *providers.SuppressedDestinationError
		if errors.As(err, &suppressed) {
			return "", effect.Permanent(err)
		}
		return "", err
	}
	return ref, nil
}
