package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"dunner/engine"
)

type EngagementController struct {
	Tracker *engine.Tracker
	Logger  *log.Logger
}

func NewEngagementController(tracker *engine.Tracker, logger *log.Logger) *EngagementController {
	return &EngagementController{Tracker: tracker, Logger: logger}
}

// HandleEngagementWebhook ingests delivery/engagement events from the
// outside transport. Duplicates and unknown refs are absorbed, so the
// sender may redeliver freely.
func (ec *EngagementController) HandleEngagementWebhook(c *fiber.Ctx) error {
	var input struct {
		DispatchRef string `json:"dispatch_ref"`
		EventType   string `json:"event_type"`
		Timestamp   int64  `json:"timestamp"` // unix seconds
	}

	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.DispatchRef == "" || input.EventType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dispatch_ref and event_type are required",
		})
	}

	ts := time.Unix(input.Timestamp, 0)
	if input.Timestamp == 0 {
		ts = time.Now()
	}

	err := ec.Tracker.OnEvent(c.Context(), engine.Event{
		DispatchRef: input.DispatchRef,
		Type:        engine.EventType(input.EventType),
		Timestamp:   ts,
	})
	if err != nil {
		ec.Logger.Printf("Failed to process engagement event: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"message": "Event processed"})
}
