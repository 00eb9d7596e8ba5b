package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"crmflow/models"

	"gorm.io/gorm"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// TemplateRenderer resolves {{variable}} placeholders against a
// contact's fields.
type TemplateRenderer interface {
	Render(ctx context.Context, subjectTemplate, bodyTemplate string, contactID uint) (subject, body string, err error)
}

// ContactRenderer is the default renderer backed by the contacts table.
type ContactRenderer struct {
	DB *gorm.DB
}

func NewContactRenderer(db *gorm.DB) *ContactRenderer {
	return &ContactRenderer{DB: db}
}

func (r *ContactRenderer) Render(ctx context.Context, subjectTemplate, bodyTemplate string, contactID uint) (string, string, error) {
	var contact models.Contact
	if err := r.DB.WithContext(ctx).First(&contact, contactID).Error; err != nil {
		return "", "", fmt.Errorf("load contact %d: %w", contactID, err)
	}

	vars := contactVariables(&contact)

	subject, err := substitute(subjectTemplate, vars)
	if err != nil {
		return "", "", err
	}
	body, err := substitute(bodyTemplate, vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func contactVariables(contact *models.Contact) map[string]string {
	fullName := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
	return map[string]string{
		"email":      contact.Email,
		"first_name": contact.FirstName,
		"last_name":  contact.LastName,
		"full_name":  fullName,
		"company":    contact.Company,
		"position":   contact.Position,
		"phone":      contact.Phone,
	}
}

// substitute replaces every placeholder or fails with a RenderError on
// the first variable without a value.
func substitute(template string, vars map[string]string) (string, error) {
	var missing string
	out := templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok || value == "" {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", &RenderError{Variable: missing}
	}
	return out, nil
}
