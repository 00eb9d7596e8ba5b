package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GORM-backed implementations of the collaborator contracts the action
// dispatcher calls. Each mutation publishes its own domain event back
// onto the bus, which is how automation effects become new triggers.

const defaultPipelineID = 1

// TagManager implements automation.TagService.
type TagManager struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Logger *logrus.Entry
}

func NewTagManager(db *gorm.DB, bus automation.Publisher, logger *logrus.Entry) *TagManager {
	return &TagManager{DB: db, Bus: bus, Logger: logger}
}

func (m *TagManager) AddTag(ctx context.Context, contactID, tagID uint) error {
	link := models.ContactTag{ContactID: contactID, TagID: tagID}
	err := m.DB.WithContext(ctx).Create(&link).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Already tagged; no event either
		return nil
	}
	if err != nil {
		return err
	}

	ev := automation.NewEvent(models.TriggerTagAdded, contactID)
	ev.TagID = utils.Pointer(tagID)
	return m.Bus.Publish(ctx, ev)
}

func (m *TagManager) RemoveTag(ctx context.Context, contactID, tagID uint) error {
	res := m.DB.WithContext(ctx).
		Where("contact_id = ? AND tag_id = ?", contactID, tagID).
		Delete(&models.ContactTag{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	ev := automation.NewEvent(models.TriggerTagRemoved, contactID)
	ev.TagID = utils.Pointer(tagID)
	return m.Bus.Publish(ctx, ev)
}

// DealManager implements automation.DealService.
type DealManager struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Logger *logrus.Entry
}

func NewDealManager(db *gorm.DB, bus automation.Publisher, logger *logrus.Entry) *DealManager {
	return &DealManager{DB: db, Bus: bus, Logger: logger}
}

// MoveDeal moves the subject deal, or the contact's most recent deal
// when the triggering event was not deal-scoped.
func (m *DealManager) MoveDeal(ctx context.Context, contactID uint, dealID *uint, stageID uint) error {
	var deal models.Deal
	query := m.DB.WithContext(ctx).Where("contact_id = ?", contactID)
	if dealID != nil {
		query = query.Where("id = ?", *dealID)
	} else {
		query = query.Order("created_at DESC")
	}
	if err := query.First(&deal).Error; err != nil {
		return fmt.Errorf("no deal to move for contact %d: %w", contactID, err)
	}
	if deal.StageID == stageID {
		return nil
	}

	if err := m.DB.WithContext(ctx).
		Model(&models.Deal{}).
		Where("id = ?", deal.ID).
		Update("stage_id", stageID).Error; err != nil {
		return err
	}

	ev := automation.NewEvent(models.TriggerDealStageChanged, contactID)
	ev.DealID = utils.Pointer(deal.ID)
	ev.StageID = utils.Pointer(stageID)
	return m.Bus.Publish(ctx, ev)
}

func (m *DealManager) CreateDeal(ctx context.Context, contactID uint, title string, value float64, pipelineID *uint) error {
	deal := models.Deal{
		ContactID:  contactID,
		PipelineID: defaultPipelineID,
		StageID:    1,
		Title:      title,
		Value:      value,
	}
	if pipelineID != nil {
		deal.PipelineID = *pipelineID
	}
	if err := m.DB.WithContext(ctx).Create(&deal).Error; err != nil {
		return err
	}

	ev := automation.NewEvent(models.TriggerDealCreated, contactID)
	ev.DealID = utils.Pointer(deal.ID)
	return m.Bus.Publish(ctx, ev)
}

// TaskManager implements automation.TaskService.
type TaskManager struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewTaskManager(db *gorm.DB, logger *logrus.Entry) *TaskManager {
	return &TaskManager{DB: db, Logger: logger}
}

func (m *TaskManager) CreateTask(ctx context.Context, contactID uint, dealID *uint, title, taskType, priority string, dueDays int) error {
	if taskType == "" {
		taskType = "todo"
	}
	if priority == "" {
		priority = "normal"
	}
	task := models.Task{
		ContactID: contactID,
		DealID:    dealID,
		Title:     title,
		Type:      taskType,
		Priority:  priority,
		DueAt:     utils.Pointer(time.Now().UTC().AddDate(0, 0, dueDays)),
	}
	return m.DB.WithContext(ctx).Create(&task).Error
}

// ScoreManager implements automation.ScoreService.
type ScoreManager struct {
	DB     *gorm.DB
	Bus    automation.Publisher
	Logger *logrus.Entry
}

func NewScoreManager(db *gorm.DB, bus automation.Publisher, logger *logrus.Entry) *ScoreManager {
	return &ScoreManager{DB: db, Bus: bus, Logger: logger}
}

// AdjustScore applies the delta clamped to [0,100] and publishes the
// old/new pair so threshold rules can observe the crossing. The update
// is an optimistic compare-and-set on the previous score; a lost race
// just re-reads and retries.
func (m *ScoreManager) AdjustScore(ctx context.Context, contactID uint, delta int) error {
	for attempt := 0; attempt < 3; attempt++ {
		var contact models.Contact
		if err := m.DB.WithContext(ctx).First(&contact, contactID).Error; err != nil {
			return err
		}
		oldScore := contact.LeadScore
		newScore := oldScore + delta
		if newScore < 0 {
			newScore = 0
		}
		if newScore > 100 {
			newScore = 100
		}
		if newScore == oldScore {
			return nil
		}

		res := m.DB.WithContext(ctx).
			Model(&models.Contact{}).
			Where("id = ? AND lead_score = ?", contactID, oldScore).
			Update("lead_score", newScore)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		ev := automation.NewEvent(models.TriggerLeadScoreChanged, contactID)
		ev.OldScore = utils.Pointer(oldScore)
		ev.NewScore = utils.Pointer(newScore)
		return m.Bus.Publish(ctx, ev)
	}
	return fmt.Errorf("score update for contact %d kept losing races", contactID)
}
