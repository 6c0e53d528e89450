package providers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogPaymentProvider is a stand-in payment provider for local development. It
// fabricates reference ids and logs what a real adapter would do.
type LogPaymentProvider struct {
	logger zerolog.Logger
}

func NewLogPaymentProvider(logger zerolog.Logger) *LogPaymentProvider {
	return &LogPaymentProvider{logger: logger}
}

func (p *LogPaymentProvider) CreateTransfer(ctx context.Context, amount int64, destination string, metadata map[string]string) (string, error) {
	ref := fmt.Sprintf("tr_%s", uuid.NewString())
	p.logger.Info().
		Int64("amount", amount).
		Str("destination", destination).
		Str("reference", ref).
		Msg("creating transfer")
	return ref, nil
}

func (p *LogPaymentProvider) CreateRefund(ctx context.Context, paymentRef string, amount int64, metadata map[string]string) (string, error) {
	ref := fmt.Sprintf("re_%s", uuid.NewString())
	p.logger.Info().
		Str("payment_ref", paymentRef).
		Int64("amount", amount).
		Str("reference", ref).
		Msg("creating refund")
	return ref, nil
}

// LogMessagingProvider is a stand-in messaging provider for local development.
type LogMessagingProvider struct {
	logger zerolog.Logger
}

func NewLogMessagingProvider(logger zerolog.Logger) *LogMessagingProvider {
	return &LogMessagingProvider{logger: logger}
}

func (p *LogMessagingProvider) Send(ctx context.Context, destination string, content string) (string, error) {
	ref := fmt.Sprintf("msg_%s", uuid.NewString())
	p.logger.Info().
		Str("destination", destination).
		Int("content_bytes", len(content)).
		Str("reference", ref).
		Msg("sending message")
	return ref, nil
}
