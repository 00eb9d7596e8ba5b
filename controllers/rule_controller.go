package controller

import (
	"errors"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RuleController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewRuleController(db *gorm.DB, logger *logrus.Entry) *RuleController {
	return &RuleController{
		DB:     db,
		Logger: logger,
	}
}

type ruleRequest struct {
	Name                    string                 `json:"name" validate:"required"`
	TriggerType             string                 `json:"trigger_type" validate:"required"`
	TriggerConfig           map[string]interface{} `json:"trigger_config"`
	ActionType              string                 `json:"action_type" validate:"required"`
	ActionConfig            map[string]interface{} `json:"action_config"`
	Priority                int                    `json:"priority"`
	Active                  *bool                  `json:"active"`
	AllowMultipleExecutions bool                   `json:"allow_multiple_executions"`
}

// CreateRule validates both configs against their type's schema before
// the rule can ever reach the matcher.
func (rc *RuleController) CreateRule(c *fiber.Ctx) error {
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	rule := models.AutomationRule{
		Name:                    req.Name,
		TriggerType:             req.TriggerType,
		TriggerConfig:           req.TriggerConfig,
		ActionType:              req.ActionType,
		ActionConfig:            req.ActionConfig,
		Priority:                req.Priority,
		Active:                  true,
		AllowMultipleExecutions: req.AllowMultipleExecutions,
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if rule.Priority == 0 {
		rule.Priority = 100
	}

	if _, err := automation.CompileRule(rule); err != nil {
		var validationErr *automation.ValidationError
		if errors.As(err, &validationErr) {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid rule config", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to validate rule", err)
	}

	if err := rc.DB.Create(&rule).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create rule", err)
	}

	rc.Logger.WithField("rule_id", rule.ID).Info("Automation rule created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(rule))
}

func (rc *RuleController) GetRules(c *fiber.Ctx) error {
	var rules []models.AutomationRule
	query := rc.DB.Order("priority ASC, id ASC")
	if triggerType := c.Query("trigger_type"); triggerType != "" {
		query = query.Where("trigger_type = ?", triggerType)
	}
	if err := query.Find(&rules).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list rules", err)
	}
	return c.JSON(utils.SuccessResponse(rules))
}

func (rc *RuleController) GetRule(c *fiber.Ctx) error {
	var rule models.AutomationRule
	if err := rc.DB.First(&rule, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", nil)
	}
	return c.JSON(utils.SuccessResponse(rule))
}

func (rc *RuleController) UpdateRule(c *fiber.Ctx) error {
	var rule models.AutomationRule
	if err := rc.DB.First(&rule, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", nil)
	}

	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	rule.Name = req.Name
	rule.TriggerType = req.TriggerType
	rule.TriggerConfig = req.TriggerConfig
	rule.ActionType = req.ActionType
	rule.ActionConfig = req.ActionConfig
	rule.AllowMultipleExecutions = req.AllowMultipleExecutions
	if req.Priority != 0 {
		rule.Priority = req.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if _, err := automation.CompileRule(rule); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Invalid rule config", err)
	}

	if err := rc.DB.Save(&rule).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update rule", err)
	}
	return c.JSON(utils.SuccessResponse(rule))
}

// ToggleRule flips the active flag without touching the configs.
func (rc *RuleController) ToggleRule(c *fiber.Ctx) error {
	var rule models.AutomationRule
	if err := rc.DB.First(&rule, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", nil)
	}

	if err := rc.DB.Model(&rule).Update("active", !rule.Active).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to toggle rule", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": rule.ID, "active": !rule.Active}))
}

func (rc *RuleController) DeleteRule(c *fiber.Ctx) error {
	res := rc.DB.Delete(&models.AutomationRule{}, c.Params("id"))
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Rule not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}

// GetRuleExecutions lists the per-subject firing records of one rule.
func (rc *RuleController) GetRuleExecutions(c *fiber.Ctx) error {
	var records []models.RuleExecution
	if err := rc.DB.Where("rule_id = ?", c.Params("id")).
		Order("last_executed_at DESC").
		Find(&records).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list executions", err)
	}
	return c.JSON(utils.SuccessResponse(records))
}
