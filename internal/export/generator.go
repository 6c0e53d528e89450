package export

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogGenerator is a stand-in generator for local development. It fabricates
// artifact references and logs what a real warehouse-backed generator would
// do.
type LogGenerator struct {
	logger zerolog.Logger
}

func NewLogGenerator(logger zerolog.Logger) *LogGenerator {
	return &LogGenerator{logger: logger}
}

func (g *LogGenerator) Generate(ctx context.Context, req ExportRequest) (string, error) {
	ref := fmt.Sprintf("export://%s/%s.%s", req.ReportType, uuid.NewString(), req.Format)
	g.logger.Info().
		Str("report_type", req.ReportType).
		Str("period_from", req.PeriodFrom).
		Str("period_to", req.PeriodTo).
		Str("reference", ref).
		Msg("generating export")
	return ref, nil
}
