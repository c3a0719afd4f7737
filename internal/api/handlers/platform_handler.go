package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"go.uber.org/zap"
)

type AccountRefresher interface {
	RefreshAccount(ctx context.Context, accountID int64) error
}

type PlatformHandler struct {
	ps        service.PlatformService
	refresher AccountRefresher
}

func NewPlatformHandler(ps service.PlatformService, refresher AccountRefresher) *PlatformHandler {
	return &PlatformHandler{
		ps:        ps,
		refresher: refresher,
	}
}

func (h *PlatformHandler) GetAccount(c *fiber.Ctx) error {
	acc, err := h.ps.Account(c.Context(), paramID(c, "id"), GetUserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(acc)
}

// RefreshAccount runs a token refresh for one account right away. The
// outcome is recorded on the account either way; a failed refresh is
// reported back with the platform's message.
func (h *PlatformHandler) RefreshAccount(c *fiber.Ctx) error {
	acc, err := h.ps.Account(c.Context(), paramID(c, "id"), GetUserID(c))
	if err != nil {
		return errorResponse(c, err)
	}

	err = h.refresher.RefreshAccount(c.Context(), acc.ID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrRefreshInProgress), errors.Is(err, models.ErrAccountNotFound):
		return errorResponse(c, err)
	default:
		zap.L().Warn("on-demand refresh failed", zap.Int64("account_id", acc.ID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	acc, err = h.ps.Account(c.Context(), acc.ID, GetUserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(acc)
}
