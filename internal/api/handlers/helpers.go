package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"go.uber.org/zap"
)

func GetUserID(c *fiber.Ctx) int64 {
	userID, _ := c.Locals("user_id").(string)
	id, _ := strconv.ParseInt(userID, 10, 64)
	return id
}

// paramID reads a positive numeric route parameter. Anything else is
// reported as zero, which the services reject as ErrInvalidID.
func paramID(c *fiber.Ctx, name string) int64 {
	id, err := c.ParamsInt(name)
	if err != nil || id < 0 {
		return 0
	}
	return int64(id)
}

func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Internal server error"

	switch {
	case errors.Is(err, service.ErrInvalidID):
		status, message = fiber.StatusBadRequest, "Invalid id"
	case errors.Is(err, models.ErrPostNotFound):
		status, message = fiber.StatusNotFound, "Post not found"
	case errors.Is(err, models.ErrAccountNotFound):
		status, message = fiber.StatusNotFound, "Account not found"
	case errors.Is(err, models.ErrNotCancellable):
		status, message = fiber.StatusConflict, err.Error()
	case errors.Is(err, repository.ErrRefreshInProgress):
		status, message = fiber.StatusConflict, "Account is already refreshing"
	default:
		zap.L().Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
