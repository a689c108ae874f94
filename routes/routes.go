package routes

import (
	"log"
	"os"

	controller "dunner/controllers"
	"dunner/engine"
	"dunner/store"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
)

// Deps bundles what the HTTP layer needs from the engine wiring.
type Deps struct {
	Store     store.Store
	Evaluator *engine.Evaluator
	Tracker   *engine.Tracker
	Notifier  *engine.Notifier
}

func SetupRoutes(app *fiber.App, deps Deps) {
	sequenceController := controller.NewSequenceController(deps.Store, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	executionController := controller.NewExecutionController(deps.Evaluator, log.New(os.Stdout, "EXECUTION: ", log.LstdFlags))
	engagementController := controller.NewEngagementController(deps.Tracker, log.New(os.Stdout, "ENGAGEMENT: ", log.LstdFlags))
	calendarController := controller.NewCalendarController(deps.Store, log.New(os.Stdout, "CALENDAR: ", log.LstdFlags))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence definition routes
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.ListSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Put("/:id/activate", sequenceController.ActivateSequence)
	sequences.Put("/:id/deactivate", sequenceController.DeactivateSequence)

	// Execution control surface
	sequences.Post("/:id/executions", executionController.StartExecution)
	sequences.Get("/:id/executions/:invoiceId", executionController.ExecutionStatus)
	sequences.Post("/:id/executions/:invoiceId/stop", executionController.StopExecution)
	sequences.Post("/:id/executions/:invoiceId/pause", executionController.PauseExecution)
	sequences.Post("/:id/executions/:invoiceId/resume", executionController.ResumeExecution)

	// Per-tenant business window
	api.Get("/calendar", calendarController.GetCalendar)
	api.Put("/calendar", calendarController.SaveCalendar)

	// Engagement ingestion: the inbound transport delivers events here
	app.Post("/webhooks/engagement", engagementController.HandleEngagementWebhook)

	// Push layer over the notifier
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/executions", websocket.New(controller.HandleExecutionProgressWS(deps.Notifier)))
}
