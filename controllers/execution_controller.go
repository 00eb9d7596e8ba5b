package controller

import (
	"context"
	"errors"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/sequence"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ExecutionController struct {
	DB        *gorm.DB
	Scheduler *sequence.Scheduler
	Logger    *logrus.Entry
}

func NewExecutionController(db *gorm.DB, scheduler *sequence.Scheduler, logger *logrus.Entry) *ExecutionController {
	return &ExecutionController{
		DB:        db,
		Scheduler: scheduler,
		Logger:    logger,
	}
}

type startExecutionRequest struct {
	SequenceID uint  `json:"sequence_id" validate:"required"`
	ContactID  uint  `json:"contact_id" validate:"required"`
	DealID     *uint `json:"deal_id"`
}

func (ec *ExecutionController) StartExecution(c *fiber.Ctx) error {
	var req startExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	execution, err := ec.Scheduler.Start(c.Context(), req.SequenceID, req.ContactID, req.DealID)
	if err != nil {
		switch {
		case errors.Is(err, automation.ErrSequenceAlreadyRunning):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Contact already in this sequence", nil)
		case errors.Is(err, sequence.ErrSequenceInactive), errors.Is(err, sequence.ErrSequenceEmpty):
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, err.Error(), nil)
		case errors.Is(err, gorm.ErrRecordNotFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start execution", err)
		}
	}

	ec.Logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"sequence_id":  req.SequenceID,
		"contact_id":   req.ContactID,
	}).Info("Sequence execution started")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(execution))
}

func (ec *ExecutionController) GetExecutions(c *fiber.Ctx) error {
	query := ec.DB.Model(&models.SequenceExecution{}).Order("id DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if sequenceID := c.Query("sequence_id"); sequenceID != "" {
		query = query.Where("sequence_id = ?", sequenceID)
	}
	if contactID := c.Query("contact_id"); contactID != "" {
		query = query.Where("contact_id = ?", contactID)
	}

	var executions []models.SequenceExecution
	if err := query.Limit(200).Find(&executions).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list executions", err)
	}
	return c.JSON(utils.SuccessResponse(executions))
}

func (ec *ExecutionController) GetExecution(c *fiber.Ctx) error {
	var execution models.SequenceExecution
	if err := ec.DB.First(&execution, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Execution not found", nil)
	}
	var emails []models.ScheduledEmail
	ec.DB.Where("execution_id = ?", execution.ID).Order("id ASC").Find(&emails)
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"execution": execution,
		"emails":    emails,
	}))
}

func (ec *ExecutionController) PauseExecution(c *fiber.Ctx) error {
	return ec.runTransition(c, ec.Scheduler.Pause, "paused")
}

func (ec *ExecutionController) ResumeExecution(c *fiber.Ctx) error {
	return ec.runTransition(c, ec.Scheduler.Resume, "resumed")
}

func (ec *ExecutionController) CancelExecution(c *fiber.Ctx) error {
	return ec.runTransition(c, ec.Scheduler.Cancel, "cancelled")
}

func (ec *ExecutionController) runTransition(c *fiber.Ctx, op func(ctx context.Context, executionID uint) error, verb string) error {
	executionID := utils.ParseUint(c.Params("id"))

	var execution models.SequenceExecution
	if err := ec.DB.First(&execution, executionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Execution not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load execution", err)
	}

	if err := op(c.Context(), executionID); err != nil {
		if errors.Is(err, sequence.ErrInvalidTransition) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Execution is not in a state that allows this", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update execution", err)
	}
	ec.Logger.WithField("execution_id", executionID).Info("Execution " + verb)
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": verb}))
}

func (ec *ExecutionController) GetScheduledEmails(c *fiber.Ctx) error {
	query := ec.DB.Model(&models.ScheduledEmail{}).Order("scheduled_at ASC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var emails []models.ScheduledEmail
	if err := query.Limit(200).Find(&emails).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list scheduled emails", err)
	}
	return c.JSON(utils.SuccessResponse(emails))
}

// SendEmailNow pulls a pending email forward so the next dispatch sweep
// picks it up.
func (ec *ExecutionController) SendEmailNow(c *fiber.Ctx) error {
	emailID := utils.ParseUint(c.Params("id"))
	if err := ec.Scheduler.SendNow(c.Context(), emailID); err != nil {
		if errors.Is(err, sequence.ErrInvalidTransition) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Email is no longer pending", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reschedule email", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": "rescheduled"}))
}

func (ec *ExecutionController) CancelEmail(c *fiber.Ctx) error {
	emailID := utils.ParseUint(c.Params("id"))
	if err := ec.Scheduler.CancelEmail(c.Context(), emailID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel email", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"status": "cancelled"}))
}
