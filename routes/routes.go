package routes

import (
	"crmflow/automation"
	controller "crmflow/controllers"
	"crmflow/middleware"
	"crmflow/sequence"
	"crmflow/services"
	"crmflow/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps carries the shared components the handlers are built on.
type Deps struct {
	DB        *gorm.DB
	Bus       automation.Publisher
	Scheduler *sequence.Scheduler
	Tags      *services.TagManager
	Scores    *services.ScoreManager
	Hub       *services.Hub
	Replies   *worker.ReplyWorker
	Logger    *logrus.Logger
}

func componentLogger(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}

// SetupRoutes wires the full HTTP surface: public auth and tracking
// endpoints, the protected /api/v1 group, and the websocket feed.
func SetupRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	accessLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	authController := controller.NewAuthController(componentLogger(deps.Logger, "auth"))
	ruleController := controller.NewRuleController(deps.DB, componentLogger(deps.Logger, "rules"))
	sequenceController := controller.NewSequenceController(deps.DB, componentLogger(deps.Logger, "sequences"))
	executionController := controller.NewExecutionController(deps.DB, deps.Scheduler, componentLogger(deps.Logger, "executions"))
	contactController := controller.NewContactController(deps.DB, deps.Bus, deps.Tags, deps.Scores, componentLogger(deps.Logger, "contacts"))
	templateController := controller.NewTemplateController(deps.DB, componentLogger(deps.Logger, "templates"))
	trackingController := controller.NewTrackingController(deps.DB, deps.Bus, deps.Replies, componentLogger(deps.Logger, "tracking"))
	dashboardController := controller.NewDashboardController(deps.DB, componentLogger(deps.Logger, "dashboard"))

	// Public endpoints
	auth := app.Group("/auth", accessLog)
	auth.Post("/token", authController.IssueToken)

	app.Get("/track/open/:messageID/:token", trackingController.TrackOpen)
	app.Get("/track/click/:messageID/:token", trackingController.TrackClick)
	app.Post("/webhooks/reply", trackingController.ReplyWebhook)

	// Protected API
	api := app.Group("/api/v1", middleware.Protected(), middleware.APIRateLimiter(), accessLog)

	rules := api.Group("/rules")
	rules.Post("/", ruleController.CreateRule)
	rules.Get("/", ruleController.GetRules)
	rules.Get("/:id", ruleController.GetRule)
	rules.Put("/:id", ruleController.UpdateRule)
	rules.Post("/:id/toggle", ruleController.ToggleRule)
	rules.Delete("/:id", ruleController.DeleteRule)
	rules.Get("/:id/executions", ruleController.GetRuleExecutions)

	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Put("/:id", sequenceController.UpdateSequence)
	sequences.Delete("/:id", sequenceController.DeleteSequence)

	executions := api.Group("/executions")
	executions.Post("/", executionController.StartExecution)
	executions.Get("/", executionController.GetExecutions)
	executions.Get("/:id", executionController.GetExecution)
	executions.Post("/:id/pause", executionController.PauseExecution)
	executions.Post("/:id/resume", executionController.ResumeExecution)
	executions.Post("/:id/cancel", executionController.CancelExecution)

	emails := api.Group("/scheduled-emails")
	emails.Get("/", executionController.GetScheduledEmails)
	emails.Post("/:id/send-now", executionController.SendEmailNow)
	emails.Post("/:id/cancel", executionController.CancelEmail)

	contacts := api.Group("/contacts")
	contacts.Post("/", contactController.CreateContact)
	contacts.Get("/", contactController.GetContacts)
	contacts.Get("/:id", contactController.GetContact)
	contacts.Put("/:id", contactController.UpdateContact)
	contacts.Delete("/:id", contactController.DeleteContact)
	contacts.Post("/:id/tags", contactController.AddTag)
	contacts.Delete("/:id/tags/:tagId", contactController.RemoveTag)
	contacts.Post("/:id/score", contactController.AdjustScore)

	tags := api.Group("/tags")
	tags.Post("/", contactController.CreateTag)
	tags.Get("/", contactController.GetTags)

	templates := api.Group("/templates")
	templates.Post("/", templateController.CreateTemplate)
	templates.Get("/", templateController.GetTemplates)
	templates.Get("/:id", templateController.GetTemplate)
	templates.Put("/:id", templateController.UpdateTemplate)
	templates.Delete("/:id", templateController.DeleteTemplate)

	dashboard := api.Group("/dashboard")
	dashboard.Get("/", dashboardController.GetDashboard)
	dashboard.Get("/notifications", dashboardController.GetNotifications)
	dashboard.Post("/notifications/:id/read", dashboardController.MarkNotificationRead)

	// Live notification feed
	app.Get("/api/v1/notifications/live", websocket.New(func(c *websocket.Conn) {
		deps.Hub.Register(c)
		defer func() {
			deps.Hub.Unregister(c)
			c.Close()
		}()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
