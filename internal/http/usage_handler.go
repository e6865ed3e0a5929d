package http

import (
	"context"
	"strings"

	"github.com/karloscodes/cartridge"

	"sitepulse/internal/events"
	"sitepulse/internal/usage"
)

type UsageReader interface {
	GetUsage(ctx context.Context, ownerID string) (usage.Snapshot, error)
}

type UsageHandler struct {
	accountant UsageReader
}

func NewUsageHandler(accountant UsageReader) *UsageHandler {
	return &UsageHandler{accountant: accountant}
}

// Show serves GET /api/v1/usage?owner=.
func (h *UsageHandler) Show(ctx *cartridge.Context) error {
	owner := strings.TrimSpace(ctx.Query("owner"))
	if owner == "" {
		return respondError(ctx, &events.ValidationError{Field: "owner", Message: "is required"})
	}

	snapshot, err := h.accountant.GetUsage(ctx.UserContext(), owner)
	if err != nil {
		return respondError(ctx, err)
	}
	return ctx.JSON(snapshot)
}
