package controller

import (
	"crmflow/models"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewSequenceController(db *gorm.DB, logger *logrus.Entry) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger,
	}
}

type stepRequest struct {
	StepOrder       int    `json:"step_order" validate:"required,min=1"`
	SubjectTemplate string `json:"subject_template" validate:"required"`
	BodyTemplate    string `json:"body_template" validate:"required"`
	DelayDays       int    `json:"delay_days" validate:"min=0"`
	DelayHours      int    `json:"delay_hours" validate:"min=0"`
	DelayMinutes    int    `json:"delay_minutes" validate:"min=0"`
}

type sequenceRequest struct {
	Name        string        `json:"name" validate:"required"`
	Description string        `json:"description"`
	Active      *bool         `json:"active"`
	Steps       []stepRequest `json:"steps" validate:"required,min=1,dive"`
}

// CreateSequence creates a sequence with its steps. Step order must be
// contiguous from 1.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var req sequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := validateStepOrder(req.Steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid step order", err)
	}

	seq := models.Sequence{
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
	}
	if req.Active != nil {
		seq.Active = *req.Active
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&seq).Error; err != nil {
			return err
		}
		for _, stepReq := range req.Steps {
			step := models.SequenceStep{
				SequenceID:      seq.ID,
				StepOrder:       stepReq.StepOrder,
				SubjectTemplate: stepReq.SubjectTemplate,
				BodyTemplate:    stepReq.BodyTemplate,
				DelayDays:       stepReq.DelayDays,
				DelayHours:      stepReq.DelayHours,
				DelayMinutes:    stepReq.DelayMinutes,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", err)
	}

	sc.Logger.WithField("sequence_id", seq.ID).Info("Sequence created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	var sequences []models.Sequence
	if err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Find(&sequences).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list sequences", err)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	var seq models.Sequence
	if err := sc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&seq, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// UpdateSequence replaces the sequence's metadata and steps. Running
// executions keep their current step index; step edits apply from the
// next advance.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	var seq models.Sequence
	if err := sc.DB.First(&seq, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
	}

	var req sequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := validateStepOrder(req.Steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid step order", err)
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		seq.Name = req.Name
		seq.Description = req.Description
		if req.Active != nil {
			seq.Active = *req.Active
		}
		if err := tx.Save(&seq).Error; err != nil {
			return err
		}
		if err := tx.Where("sequence_id = ?", seq.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		for _, stepReq := range req.Steps {
			step := models.SequenceStep{
				SequenceID:      seq.ID,
				StepOrder:       stepReq.StepOrder,
				SubjectTemplate: stepReq.SubjectTemplate,
				BodyTemplate:    stepReq.BodyTemplate,
				DelayDays:       stepReq.DelayDays,
				DelayHours:      stepReq.DelayHours,
				DelayMinutes:    stepReq.DelayMinutes,
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequence", err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))

	// Refuse while executions are live
	var live int64
	sc.DB.Model(&models.SequenceExecution{}).
		Where("sequence_id = ? AND status IN ?", sequenceID,
			[]string{models.ExecutionActive, models.ExecutionPaused}).
		Count(&live)
	if live > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sequence has running executions", nil)
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", sequenceID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Sequence{}, sequenceID).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}

func validateStepOrder(steps []stepRequest) error {
	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if seen[step.StepOrder] {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "duplicate step_order")
		}
		seen[step.StepOrder] = true
	}
	for i := 1; i <= len(steps); i++ {
		if !seen[i] {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "step_order must be contiguous starting at 1")
		}
	}
	return nil
}
