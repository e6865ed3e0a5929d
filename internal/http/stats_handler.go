package http

import (
	"context"
	"strings"

	"github.com/karloscodes/cartridge"

	"sitepulse/internal/analytics"
	"sitepulse/internal/events"
	"sitepulse/internal/timeframe"
)

// Querier answers aggregation queries.
type Querier interface {
	Query(ctx context.Context, metric analytics.Metric, projectID string, tf *timeframe.TimeFrame) (any, error)
}

type StatsHandler struct {
	engine Querier
	parser *timeframe.TimeFrameParser
}

func NewStatsHandler(engine Querier, parser *timeframe.TimeFrameParser) *StatsHandler {
	if parser == nil {
		parser = timeframe.NewTimeFrameParser()
	}
	return &StatsHandler{engine: engine, parser: parser}
}

// Show serves GET /api/v1/stats/:metric?project=&range=[&from=&to=].
func (h *StatsHandler) Show(ctx *cartridge.Context) error {
	metric, err := analytics.ParseMetric(ctx.Params("metric"))
	if err != nil {
		return respondError(ctx, err)
	}

	projectID := strings.TrimSpace(ctx.Query("project"))
	if projectID == "" {
		return respondError(ctx, &events.ValidationError{Field: "project", Message: "is required"})
	}

	tf, err := h.parser.ParseTimeFrame(timeframe.TimeFrameParserParams{
		Range:    ctx.Query("range"),
		FromDate: ctx.Query("from"),
		ToDate:   ctx.Query("to"),
	})
	if err != nil {
		return respondError(ctx, err)
	}

	result, err := h.engine.Query(ctx.UserContext(), metric, projectID, tf)
	if err != nil {
		return respondError(ctx, err)
	}
	return ctx.JSON(result)
}
