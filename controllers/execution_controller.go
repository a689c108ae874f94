package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"dunner/engine"
)

type ExecutionController struct {
	Evaluator *engine.Evaluator
	Logger    *log.Logger
}

func NewExecutionController(evaluator *engine.Evaluator, logger *log.Logger) *ExecutionController {
	return &ExecutionController{Evaluator: evaluator, Logger: logger}
}

type startExecutionInput struct {
	InvoiceID        uint   `json:"invoice_id" validate:"required"`
	TriggerType      string `json:"trigger_type"`
	TriggerOperator  string `json:"trigger_operator"`
	TriggerValue     int    `json:"trigger_value"`
	TriggerReason    string `json:"trigger_reason"`
	StartImmediately bool   `json:"start_immediately"`
	CustomStartTime  *int64 `json:"custom_start_time"` // unix seconds
	SkipValidation   bool   `json:"skip_validation"`
}

// StartExecution begins a sequence run against one invoice
func (ec *ExecutionController) StartExecution(c *fiber.Ctx) error {
	sequenceID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sequence id"})
	}

	var input startExecutionInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if input.InvoiceID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invoice_id is required"})
	}

	cond := engine.TriggerCondition{
		Type:     engine.TriggerType(input.TriggerType),
		Operator: input.TriggerOperator,
		Value:    input.TriggerValue,
	}
	if cond.Type == "" {
		cond.Type = engine.TriggerManual
	}

	opts := engine.StartOptions{
		StartImmediately: input.StartImmediately,
		SkipValidation:   input.SkipValidation,
		TriggerReason:    input.TriggerReason,
	}
	if input.CustomStartTime != nil {
		t := time.Unix(*input.CustomStartTime, 0)
		opts.CustomStartTime = &t
	}

	executionID, err := ec.Evaluator.Start(c.Context(), sequenceID, input.InvoiceID, cond, opts)
	if err != nil {
		return ec.mapStartError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"execution_id": executionID})
}

func (ec *ExecutionController) mapStartError(c *fiber.Ctx, err error) error {
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":                 err.Error(),
			"existing_execution_id": conflict.ExistingExecutionID,
		})
	}
	var ineligible *engine.IneligibleInvoiceError
	if errors.As(err, &ineligible) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	var invalid *engine.ValidationError
	if errors.As(err, &invalid) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if errors.Is(err, engine.ErrSequenceNotFound) || errors.Is(err, engine.ErrInvoiceNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	if errors.Is(err, engine.ErrSequenceInactive) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	ec.Logger.Printf("Failed to start execution: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to start execution"})
}

// ExecutionStatus reports the latest execution for the pair plus its
// step logs; background failures surface only here.
func (ec *ExecutionController) ExecutionStatus(c *fiber.Ctx) error {
	sequenceID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sequence id"})
	}
	invoiceID, err := parseUintParam(c, "invoiceId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid invoice id"})
	}

	exec, logs, err := ec.Evaluator.Status(c.Context(), sequenceID, invoiceID)
	if err != nil {
		ec.Logger.Printf("Failed to read execution status: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read status"})
	}
	if exec == nil {
		return c.JSON(fiber.Map{"has_execution": false})
	}
	return c.JSON(fiber.Map{
		"has_execution": true,
		"execution":     exec,
		"step_logs":     logs,
	})
}

type stopExecutionInput struct {
	Reason string `json:"reason"`
}

// StopExecution is idempotent: a second stop reports stopped=false
// instead of an error.
func (ec *ExecutionController) StopExecution(c *fiber.Ctx) error {
	return ec.control(c, func(sequenceID, invoiceID uint) error {
		var input stopExecutionInput
		_ = c.BodyParser(&input)
		return ec.Evaluator.Stop(c.Context(), sequenceID, invoiceID, input.Reason)
	}, fiber.Map{"stopped": true}, "stopped")
}

func (ec *ExecutionController) PauseExecution(c *fiber.Ctx) error {
	return ec.control(c, func(sequenceID, invoiceID uint) error {
		return ec.Evaluator.Pause(c.Context(), sequenceID, invoiceID)
	}, fiber.Map{"paused": true}, "paused")
}

func (ec *ExecutionController) ResumeExecution(c *fiber.Ctx) error {
	return ec.control(c, func(sequenceID, invoiceID uint) error {
		return ec.Evaluator.Resume(c.Context(), sequenceID, invoiceID)
	}, fiber.Map{"resumed": true}, "resumed")
}

func (ec *ExecutionController) control(c *fiber.Ctx, call func(sequenceID, invoiceID uint) error, okBody fiber.Map, verb string) error {
	sequenceID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sequence id"})
	}
	invoiceID, err := parseUintParam(c, "invoiceId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid invoice id"})
	}

	if err := call(sequenceID, invoiceID); err != nil {
		var notRunning *engine.NotRunningError
		if errors.As(err, &notRunning) {
			return c.JSON(fiber.Map{verb: false, "message": err.Error()})
		}
		ec.Logger.Printf("Execution control call failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Execution update failed"})
	}
	return c.JSON(okBody)
}
