package controller

import (
	"time"

	"crmflow/models"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DashboardController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewDashboardController(db *gorm.DB, logger *logrus.Entry) *DashboardController {
	return &DashboardController{
		DB:     db,
		Logger: logger,
	}
}

type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// GetDashboard aggregates the operator overview: rule activity,
// execution states, and email throughput for the last 30 days.
func (dc *DashboardController) GetDashboard(c *fiber.Ctx) error {
	since := time.Now().UTC().AddDate(0, 0, -30)

	var totalContacts, totalRules, activeRules int64
	dc.DB.Model(&models.Contact{}).Count(&totalContacts)
	dc.DB.Model(&models.AutomationRule{}).Count(&totalRules)
	dc.DB.Model(&models.AutomationRule{}).Where("active = ?", true).Count(&activeRules)

	var ruleExecutions int64
	dc.DB.Model(&models.RuleExecution{}).Where("created_at >= ?", since).Count(&ruleExecutions)

	var executionsByStatus []statusCount
	dc.DB.Model(&models.SequenceExecution{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&executionsByStatus)

	var emailsByStatus []statusCount
	dc.DB.Model(&models.ScheduledEmail{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&emailsByStatus)

	var sentLast30, openedLast30, clickedLast30 int64
	dc.DB.Model(&models.ScheduledEmail{}).
		Where("status = ? AND sent_at >= ?", models.EmailSent, since).
		Count(&sentLast30)
	dc.DB.Model(&models.ScheduledEmail{}).
		Where("opened_at >= ?", since).
		Count(&openedLast30)
	dc.DB.Model(&models.ScheduledEmail{}).
		Where("clicked_at >= ?", since).
		Count(&clickedLast30)

	var repliesLast30 int64
	dc.DB.Model(&models.Contact{}).
		Where("last_replied_at >= ?", since).
		Count(&repliesLast30)

	var pendingTasks int64
	dc.DB.Model(&models.Task{}).Where("done = ?", false).Count(&pendingTasks)

	var unreadNotifications int64
	dc.DB.Model(&models.Notification{}).Where("read = ?", false).Count(&unreadNotifications)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"contacts": fiber.Map{
			"total": totalContacts,
		},
		"rules": fiber.Map{
			"total":          totalRules,
			"active":         activeRules,
			"executions_30d": ruleExecutions,
		},
		"executions_by_status": executionsByStatus,
		"emails_by_status":     emailsByStatus,
		"emails_30d": fiber.Map{
			"sent":    sentLast30,
			"opened":  openedLast30,
			"clicked": clickedLast30,
			"replied": repliesLast30,
		},
		"pending_tasks":        pendingTasks,
		"unread_notifications": unreadNotifications,
	}))
}

// GetNotifications lists recent notifications, newest first.
func (dc *DashboardController) GetNotifications(c *fiber.Ctx) error {
	var notifications []models.Notification
	query := dc.DB.Order("id DESC").Limit(100)
	if c.Query("unread") == "true" {
		query = query.Where("read = ?", false)
	}
	if err := query.Find(&notifications).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list notifications", err)
	}
	return c.JSON(utils.SuccessResponse(notifications))
}

func (dc *DashboardController) MarkNotificationRead(c *fiber.Ctx) error {
	result := dc.DB.Model(&models.Notification{}).
		Where("id = ?", c.Params("id")).
		Update("read", true)
	if result.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update notification", result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Notification not found", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"read": true}))
}
