package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/sequence"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type nopBus struct{}

func (nopBus) Publish(ctx context.Context, ev automation.Event) error { return nil }

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("component", "test")
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceExecution{},
		&models.ScheduledEmail{},
		&models.Contact{},
	))
	return db
}

func newExecutionApp(t *testing.T) (*fiber.App, *gorm.DB, *sequence.Scheduler) {
	t.Helper()
	db := testDB(t)
	scheduler := sequence.NewScheduler(db, nopBus{}, testLogger())
	ec := NewExecutionController(db, scheduler, testLogger())

	app := fiber.New()
	app.Post("/executions/:id/pause", ec.PauseExecution)
	app.Post("/executions/:id/resume", ec.ResumeExecution)
	app.Post("/executions/:id/cancel", ec.CancelExecution)
	return app, db, scheduler
}

func startExecution(t *testing.T, db *gorm.DB, scheduler *sequence.Scheduler) *models.SequenceExecution {
	t.Helper()
	contact := models.Contact{Email: "ada@example.com"}
	require.NoError(t, db.Create(&contact).Error)
	seq := models.Sequence{Name: "Drip", Active: true}
	require.NoError(t, db.Create(&seq).Error)
	require.NoError(t, db.Create(&models.SequenceStep{
		SequenceID:      seq.ID,
		StepOrder:       1,
		SubjectTemplate: "Hello",
		BodyTemplate:    "Hi",
		DelayMinutes:    60,
	}).Error)

	execution, err := scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)
	return execution
}

func TestTransitionUnknownExecutionIs404(t *testing.T) {
	app, _, _ := newExecutionApp(t)

	for _, id := range []string{"999", "garbage"} {
		req := httptest.NewRequest(http.MethodPost, "/executions/"+id+"/pause", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "id %q", id)
	}
}

func TestTransitionOnTerminalExecutionIs409(t *testing.T) {
	app, db, scheduler := newExecutionApp(t)
	execution := startExecution(t, db, scheduler)
	require.NoError(t, scheduler.Cancel(context.Background(), execution.ID))

	req := httptest.NewRequest(http.MethodPost, "/executions/"+itoa(execution.ID)+"/resume", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTransitionPausesActiveExecution(t *testing.T) {
	app, db, scheduler := newExecutionApp(t)
	execution := startExecution(t, db, scheduler)

	req := httptest.NewRequest(http.MethodPost, "/executions/"+itoa(execution.ID)+"/pause", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var reloaded models.SequenceExecution
	require.NoError(t, db.First(&reloaded, execution.ID).Error)
	assert.Equal(t, models.ExecutionPaused, reloaded.Status)
}
