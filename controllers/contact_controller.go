package controller

import (
	"errors"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/services"
	"crmflow/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ContactController struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Tags   *services.TagManager
	Scores *services.ScoreManager
	Logger *logrus.Entry
}

func NewContactController(db *gorm.DB, bus automation.Publisher, tags *services.TagManager, scores *services.ScoreManager, logger *logrus.Entry) *ContactController {
	return &ContactController{
		DB:     db,
		Bus:    bus,
		Tags:   tags,
		Scores: scores,
		Logger: logger,
	}
}

type contactRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
}

// CreateContact persists the contact and publishes CONTACT_CREATED so
// matching rules fire.
func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	var req contactRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(req.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	contact := models.Contact{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Company:   req.Company,
		Position:  req.Position,
		Phone:     req.Phone,
	}
	if err := cc.DB.Create(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", err)
	}

	event := automation.NewEvent(models.TriggerContactCreated, contact.ID)
	if err := cc.Bus.Publish(c.Context(), event); err != nil {
		cc.Logger.WithError(err).Warn("Failed to publish contact created event")
	}

	cc.Logger.WithField("contact_id", contact.ID).Info("Contact created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

func (cc *ContactController) GetContacts(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := cc.DB.Model(&models.Contact{})
	if search := c.Query("search"); search != "" {
		like := "%" + search + "%"
		query = query.Where("email LIKE ? OR first_name LIKE ? OR last_name LIKE ? OR company LIKE ?",
			like, like, like, like)
	}

	var total int64
	query.Count(&total)

	var contacts []models.Contact
	if err := query.Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&contacts).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list contacts", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: contacts, Total: total, Page: page, Limit: limit})
}

func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	var contact models.Contact
	if err := cc.DB.Preload("Tags.Tag").Preload("Deals").First(&contact, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

func (cc *ContactController) UpdateContact(c *fiber.Ctx) error {
	var contact models.Contact
	if err := cc.DB.First(&contact, c.Params("id")).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	var req contactRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	contact.Email = req.Email
	contact.FirstName = req.FirstName
	contact.LastName = req.LastName
	contact.Company = req.Company
	contact.Position = req.Position
	contact.Phone = req.Phone
	if err := cc.DB.Save(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update contact", err)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

func (cc *ContactController) DeleteContact(c *fiber.Ctx) error {
	result := cc.DB.Delete(&models.Contact{}, c.Params("id"))
	if result.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete contact", result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"deleted": true}))
}

type tagRequest struct {
	TagID uint `json:"tag_id" validate:"required"`
}

func (cc *ContactController) AddTag(c *fiber.Ctx) error {
	contactID := utils.ParseUint(c.Params("id"))

	var req tagRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := cc.Tags.AddTag(c.Context(), contactID, req.TagID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact or tag not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add tag", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"tagged": true}))
}

func (cc *ContactController) RemoveTag(c *fiber.Ctx) error {
	contactID := utils.ParseUint(c.Params("id"))
	tagID := utils.ParseUint(c.Params("tagId"))

	if err := cc.Tags.RemoveTag(c.Context(), contactID, tagID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to remove tag", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"removed": true}))
}

type scoreRequest struct {
	Delta int `json:"delta" validate:"required"`
}

// AdjustScore applies a manual lead score change. The score service
// publishes LEAD_SCORE_CHANGED, so threshold rules see manual changes
// exactly like automated ones.
func (cc *ContactController) AdjustScore(c *fiber.Ctx) error {
	contactID := utils.ParseUint(c.Params("id"))

	var req scoreRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := cc.Scores.AdjustScore(c.Context(), contactID, req.Delta); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to adjust score", err)
	}

	var contact models.Contact
	cc.DB.First(&contact, contactID)
	return c.JSON(utils.SuccessResponse(fiber.Map{"lead_score": contact.LeadScore}))
}

type tagCreateRequest struct {
	Name string `json:"name" validate:"required"`
}

func (cc *ContactController) CreateTag(c *fiber.Ctx) error {
	var req tagCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	tag := models.Tag{Name: req.Name}
	if err := cc.DB.Create(&tag).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Tag already exists", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create tag", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tag))
}

func (cc *ContactController) GetTags(c *fiber.Ctx) error {
	var tags []models.Tag
	if err := cc.DB.Order("name ASC").Find(&tags).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list tags", err)
	}
	return c.JSON(utils.SuccessResponse(tags))
}
