package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

type CalendarController struct {
	Store  store.Store
	Logger *log.Logger
}

func NewCalendarController(st store.Store, logger *log.Logger) *CalendarController {
	return &CalendarController{Store: st, Logger: logger}
}

type saveCalendarInput struct {
	WorkingDays []int    `json:"working_days" validate:"required,min=1,dive,gte=0,lte=6"`
	StartHour   int      `json:"start_hour" validate:"gte=0,lte=23"`
	EndHour     int      `json:"end_hour" validate:"gte=1,lte=24"`
	Timezone    string   `json:"timezone" validate:"required"`
	Holidays    []string `json:"holidays"`
}

// SaveCalendar replaces the tenant's business window. The config is
// resolved through the same path the scheduler uses, so an unusable
// window is rejected here instead of surfacing at dispatch time.
func (cc *CalendarController) SaveCalendar(c *fiber.Ctx) error {
	tenantID := tenantIDFromRequest(c)

	var input saveCalendarInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cfg := models.CalendarConfig{
		TenantID:    tenantID,
		WorkingDays: input.WorkingDays,
		StartHour:   input.StartHour,
		EndHour:     input.EndHour,
		Timezone:    input.Timezone,
		Holidays:    input.Holidays,
	}
	if _, err := utils.WindowFromModel(cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := cc.Store.SaveCalendar(c.Context(), &cfg); err != nil {
		cc.Logger.Printf("Failed to save calendar: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save calendar"})
	}
	return c.JSON(cfg)
}

func (cc *CalendarController) GetCalendar(c *fiber.Ctx) error {
	cfg, err := cc.Store.GetCalendar(c.Context(), tenantIDFromRequest(c))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No calendar configured"})
	}
	return c.JSON(cfg)
}
