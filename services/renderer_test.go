package services

import (
	"context"
	"errors"
	"testing"

	"crmflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Contact{},
		&models.ContactTag{},
		&models.Tag{},
		&models.Deal{},
		&models.Task{},
	))
	return db
}

func TestRenderSubstitutesContactFields(t *testing.T) {
	db := testDB(t)
	contact := models.Contact{
		Email:     "grace@example.com",
		FirstName: "Grace",
		LastName:  "Hopper",
		Company:   "Navy",
		Position:  "Rear Admiral",
	}
	require.NoError(t, db.Create(&contact).Error)

	r := NewContactRenderer(db)
	subject, body, err := r.Render(context.Background(),
		"Quick question, {{first_name}}",
		"Hi {{ full_name }} at {{company}}, does the {{position}} role keep you busy?",
		contact.ID)
	require.NoError(t, err)

	assert.Equal(t, "Quick question, Grace", subject)
	assert.Equal(t, "Hi Grace Hopper at Navy, does the Rear Admiral role keep you busy?", body)
}

func TestRenderFullNameSkipsMissingParts(t *testing.T) {
	db := testDB(t)
	contact := models.Contact{Email: "cher@example.com", FirstName: "Cher"}
	require.NoError(t, db.Create(&contact).Error)

	r := NewContactRenderer(db)
	subject, _, err := r.Render(context.Background(), "Hello {{full_name}}", "body", contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello Cher", subject)
}

func TestRenderFailsOnMissingVariable(t *testing.T) {
	db := testDB(t)
	contact := models.Contact{Email: "grace@example.com", FirstName: "Grace"}
	require.NoError(t, db.Create(&contact).Error)

	r := NewContactRenderer(db)

	tests := []struct {
		name     string
		template string
		variable string
	}{
		{"unknown variable", "Hello {{nickname}}", "nickname"},
		{"empty field", "From {{company}}", "company"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Render(context.Background(), tt.template, "body", contact.ID)
			var renderErr *RenderError
			require.ErrorAs(t, err, &renderErr)
			assert.Equal(t, tt.variable, renderErr.Variable)
		})
	}
}

func TestRenderReportsFirstMissingVariable(t *testing.T) {
	db := testDB(t)
	contact := models.Contact{Email: "grace@example.com"}
	require.NoError(t, db.Create(&contact).Error)

	r := NewContactRenderer(db)
	_, _, err := r.Render(context.Background(), "{{company}} then {{phone}}", "body", contact.ID)

	var renderErr *RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "company", renderErr.Variable)
}

func TestRenderUnknownContact(t *testing.T) {
	db := testDB(t)
	r := NewContactRenderer(db)
	_, _, err := r.Render(context.Background(), "Hi", "body", 999)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestRenderLeavesPlainTextAlone(t *testing.T) {
	db := testDB(t)
	contact := models.Contact{Email: "grace@example.com"}
	require.NoError(t, db.Create(&contact).Error)

	r := NewContactRenderer(db)
	subject, body, err := r.Render(context.Background(), "No placeholders here", "Just {text} and $name", contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "No placeholders here", subject)
	assert.Equal(t, "Just {text} and $name", body)
}
