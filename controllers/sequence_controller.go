package controller

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

type SequenceController struct {
	Store  store.Store
	Logger *log.Logger
}

func NewSequenceController(st store.Store, logger *log.Logger) *SequenceController {
	return &SequenceController{Store: st, Logger: logger}
}

type createStepInput struct {
	DelayDays      int      `json:"delay_days" validate:"gte=0,lte=365"`
	Subject        string   `json:"subject" validate:"required"`
	Content        string   `json:"content" validate:"required"`
	Language       string   `json:"language" validate:"required"`
	Tone           string   `json:"tone" validate:"required"`
	StopConditions []string `json:"stop_conditions"`

	// Optional extra language variants of the same step, keyed by
	// language code.
	SubjectTranslations map[string]string `json:"subject_translations"`
	ContentTranslations map[string]string `json:"content_translations"`
}

type createSequenceInput struct {
	Name        string            `json:"name" validate:"required,min=1,max=200"`
	Description string            `json:"description"`
	Steps       []createStepInput `json:"steps" validate:"required,min=1,dive"`
	Active      bool              `json:"active"`
}

// CreateSequence validates and persists a sequence definition. Step
// content runs through the compliance gate here so a sequence that can
// never pass it is rejected up front; timing is not checked at creation.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	tenantID := tenantIDFromRequest(c)

	var input createSequenceInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	tenant, err := sc.Store.GetTenant(c.Context(), tenantID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Tenant not found",
		})
	}

	gate := utils.NewGate(tenant.RequiredLanguages)
	seq := models.SequenceDefinition{
		TenantID:    tenantID,
		Name:        input.Name,
		Description: input.Description,
		Active:      input.Active,
	}

	for i, in := range input.Steps {
		if !models.ValidTone(in.Tone) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "step " + strconv.Itoa(i+1) + " has unknown tone " + in.Tone,
			})
		}

		subjects := map[string]string{in.Language: in.Subject}
		contents := map[string]string{in.Language: in.Content}
		for lang, s := range in.SubjectTranslations {
			subjects[lang] = s
		}
		for lang, body := range in.ContentTranslations {
			contents[lang] = body
		}

		// Content-only gate pass over the raw templates.
		var messages []utils.RenderedMessage
		for lang, body := range contents {
			messages = append(messages, utils.RenderedMessage{
				Language: lang,
				Subject:  subjects[lang],
				Body:     body,
			})
		}
		if verdict := gate.Validate(in.Tone, messages); !verdict.Allowed {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "step " + strconv.Itoa(i+1) + " failed compliance validation",
				"issues": verdict.Issues,
			})
		}

		seq.Steps = append(seq.Steps, models.SequenceStep{
			StepNumber:     i + 1,
			DelayDays:      in.DelayDays,
			Subject:        subjects,
			Content:        contents,
			Tone:           in.Tone,
			StopConditions: in.StopConditions,
		})
	}

	if err := sc.Store.CreateSequence(c.Context(), &seq); err != nil {
		sc.Logger.Printf("Failed to create sequence: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(seq)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sequence id"})
	}

	seq, err := sc.Store.GetSequence(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Sequence not found"})
	}
	if seq.TenantID != tenantIDFromRequest(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Sequence not found"})
	}
	return c.JSON(seq)
}

func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	seqs, err := sc.Store.ListSequences(c.Context(), tenantIDFromRequest(c))
	if err != nil {
		sc.Logger.Printf("Failed to list sequences: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list sequences"})
	}
	return c.JSON(fiber.Map{"sequences": seqs})
}

func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	return sc.setActive(c, true)
}

func (sc *SequenceController) DeactivateSequence(c *fiber.Ctx) error {
	return sc.setActive(c, false)
}

func (sc *SequenceController) setActive(c *fiber.Ctx, active bool) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sequence id"})
	}
	if err := sc.Store.SetSequenceActive(c.Context(), id, active); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Sequence not found"})
	}
	return c.JSON(fiber.Map{"active": active})
}

// tenantIDFromRequest reads the tenant the auth layer (an external
// collaborator) resolved. Defaults to 1 for single-tenant deployments.
func tenantIDFromRequest(c *fiber.Ctx) uint {
	if v := c.Get("X-Tenant-ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			return uint(id)
		}
	}
	return 1
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	return uint(v), err
}
