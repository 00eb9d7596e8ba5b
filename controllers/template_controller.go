package controller

import (
	"crmflow/models"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type TemplateController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewTemplateController(db *gorm.DB, logger *logrus.Entry) *TemplateController {
	return &TemplateController{
		DB:     db,
		Logger: logger,
	}
}

type templateRequest struct {
	Name        string `json:"name" validate:"required"`
	Subject     string `json:"subject" validate:"required"`
	HTMLContent string `json:"html_content" validate:"required"`
	TextContent string `json:"text_content"`
	Category    string `json:"category"`
}

func (tc *TemplateController) CreateTemplate(c *fiber.Ctx) error {
	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	tpl := models.Template{
		Name:        req.Name,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		Category:    req.Category,
	}
	if err := tc.DB.Create(&tpl).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	query := tc.DB.Order("name ASC")
	if category := c.Query("category"); category != "" {
		query = query.Where("category = ?", category)
	}
	var templates []models.Template
	if err := query.Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list templates", err)
	}
	return c.JSON(utils.SuccessResponse(templates))
}

func (tc *TemplateController) GetTemplate(c *fiber.Ctx) error {
	var tpl models.Template
	if err := tc.DB.First(&tpl, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}
	return c.JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) UpdateTemplate(c *fiber.Ctx) error {
	var tpl models.Template
	if err := tc.DB.First(&tpl, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}

	var req templateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	tpl.Name = req.Name
	tpl.Subject = req.Subject
	tpl.HTMLContent = req.HTMLContent
	tpl.TextContent = req.TextContent
	tpl.Category = req.Category
	if err := tc.DB.Save(&tpl).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
	}
	return c.JSON(utils.SuccessResponse(tpl))
}

func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	result := tc.DB.Delete(&models.Template{}, c.Params("id"))
	if result.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete template", result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Template not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}
