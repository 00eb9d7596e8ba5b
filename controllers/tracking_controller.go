package controller

import (
	"net/url"
	"time"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/utils"
	"crmflow/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// transparent 1x1 GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	DB      *gorm.DB
	Bus     automation.Publisher
	Replies *worker.ReplyWorker
	Logger  *logrus.Entry
}

func NewTrackingController(db *gorm.DB, bus automation.Publisher, replies *worker.ReplyWorker, logger *logrus.Entry) *TrackingController {
	return &TrackingController{
		DB:      db,
		Bus:     bus,
		Replies: replies,
		Logger:  logger,
	}
}

// TrackOpen serves the pixel and publishes EMAIL_OPENED. Bad tokens and
// unknown messages still get the pixel so probes learn nothing.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if utils.VerifyTrackingToken(messageID, token) {
		tc.recordEngagement(c, messageID, models.TriggerEmailOpened)
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}

// TrackClick publishes EMAIL_CLICKED and redirects to the original URL.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	target := c.Query("url")

	decoded, err := url.QueryUnescape(target)
	if err != nil || decoded == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing redirect URL", nil)
	}

	if utils.VerifyTrackingToken(messageID, token) {
		tc.recordEngagement(c, messageID, models.TriggerEmailClicked)
	}

	return c.Redirect(decoded, fiber.StatusFound)
}

func (tc *TrackingController) recordEngagement(c *fiber.Ctx, messageID, eventType string) {
	var email models.ScheduledEmail
	if err := tc.DB.Where("message_id = ?", messageID).First(&email).Error; err != nil {
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{}
	switch eventType {
	case models.TriggerEmailOpened:
		updates["open_count"] = gorm.Expr("open_count + 1")
		if email.OpenedAt == nil {
			updates["opened_at"] = now
		}
	case models.TriggerEmailClicked:
		updates["click_count"] = gorm.Expr("click_count + 1")
		if email.ClickedAt == nil {
			updates["clicked_at"] = now
		}
	}
	if err := tc.DB.Model(&models.ScheduledEmail{}).Where("id = ?", email.ID).
		Updates(updates).Error; err != nil {
		tc.Logger.WithError(err).Warn("Failed to record engagement")
	}

	var execution models.SequenceExecution
	if err := tc.DB.First(&execution, email.ExecutionID).Error; err != nil {
		return
	}

	event := automation.NewEvent(eventType, execution.ContactID)
	event.EmailID = utils.Pointer(email.ID)
	event.MessageID = messageID
	if err := tc.Bus.Publish(c.Context(), event); err != nil {
		tc.Logger.WithError(err).Warn("Failed to publish engagement event")
	}
}

type replyWebhookRequest struct {
	FromEmail string `json:"from_email" validate:"required,email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// ReplyWebhook ingests replies pushed by an external mail provider, as
// an alternative to the IMAP poller.
func (tc *TrackingController) ReplyWebhook(c *fiber.Ctx) error {
	var req replyWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var contact models.Contact
	if err := tc.DB.Where("email = ?", req.FromEmail).First(&contact).Error; err != nil {
		// Not a tracked contact; acknowledge so the provider stops retrying
		return c.JSON(utils.SuccessResponse(fiber.Map{"matched": false}))
	}

	polarity := worker.ClassifyReply(req.Subject, req.Body)
	if err := tc.Replies.HandleReply(c.Context(), &contact, polarity); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process reply", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"matched": true, "polarity": polarity}))
}
