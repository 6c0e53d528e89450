package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tasklane/settlement/internal/effect"
	"github.com/tasklane/settlement/internal/models"
)

// ChannelName is the effect channel for settlement report exports.
const ChannelName = "export"

// Generator builds one report artifact and returns a reference to where it
// was stored. Generation can take minutes; the executor's staleness reclaim
// covers a worker dying mid-generation.
type Generator interface {
	Generate(ctx context.Context, req ExportRequest) (string, error)
}

// ExportRequest describes what to generate.
type ExportRequest struct {
	ReportType string `json:"report_type"`
	PeriodFrom string `json:"period_from"`
	PeriodTo   string `json:"period_to"`
	Format     string `json:"format"`
}

// Channel generates settlement exports. The success status is ready rather
// than sent: the artifact is stored, not delivered.
type Channel struct {
	generator Generator
}

func NewChannel(generator Generator) *Channel {
	return &Channel{generator: generator}
}

func (c *Channel) Name() string { return ChannelName }

func (c *Channel) SuccessStatus() models.EffectStatus { return models.EffectStatusReady }

func (c *Channel) Perform(ctx context.Context, rec *models.EffectRecord) (string, error) {
	var req ExportRequest
	if err := json.Unmarshal(rec.Payload, &req); err != nil {
		return "", effect.Permanent(fmt.Errorf("decode export request: %w", err))
	}
	if req.ReportType == "" {
		return "", effect.Permanent(fmt.Errorf("export request missing report type"))
	}
	return c.generator.Generate(ctx, req)
}
