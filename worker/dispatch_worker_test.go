package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"crmflow/automation"
	"crmflow/models"
	"crmflow/sequence"
	"crmflow/services"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

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
		&models.AutomationRule{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceExecution{},
		&models.ScheduledEmail{},
		&models.Contact{},
	))
	return db
}

type busRecorder struct {
	mu     sync.Mutex
	events []automation.Event
}

func (b *busRecorder) Publish(ctx context.Context, ev automation.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *busRecorder) all() []automation.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]automation.Event, len(b.events))
	copy(out, b.events)
	return out
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// fakeSender pops one queued error per send; an empty queue means
// success.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
	errs []error
}

func (f *fakeSender) Send(ctx context.Context, accountID *uint, to, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return "fake-message-id", nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type dispatchFixture struct {
	db        *gorm.DB
	bus       *busRecorder
	scheduler *sequence.Scheduler
	sender    *fakeSender
	worker    *DispatchWorker
	now       time.Time
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	db := testDB(t)
	bus := &busRecorder{}
	scheduler := sequence.NewScheduler(db, bus, testLogger())
	sender := &fakeSender{}
	w := NewDispatchWorker(db, scheduler, services.NewContactRenderer(db), sender, testLogger())

	f := &dispatchFixture{
		db:        db,
		bus:       bus,
		scheduler: scheduler,
		sender:    sender,
		worker:    w,
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	scheduler.Now = func() time.Time { return f.now }
	w.Now = func() time.Time { return f.now }
	return f
}

func (f *dispatchFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *dispatchFixture) seedContact(t *testing.T, email string) models.Contact {
	t.Helper()
	contact := models.Contact{Email: email, FirstName: "Ada", LastName: "Lovelace"}
	require.NoError(t, f.db.Create(&contact).Error)
	return contact
}

func (f *dispatchFixture) seedSequence(t *testing.T, delays ...time.Duration) models.Sequence {
	t.Helper()
	seq := models.Sequence{Name: "Drip", Active: true}
	require.NoError(t, f.db.Create(&seq).Error)
	for i, delay := range delays {
		step := models.SequenceStep{
			SequenceID:      seq.ID,
			StepOrder:       i + 1,
			SubjectTemplate: "Step subject for {{first_name}}",
			BodyTemplate:    "Hi {{first_name}}, checking in.",
			DelayMinutes:    int(delay.Minutes()),
		}
		require.NoError(t, f.db.Create(&step).Error)
	}
	return seq
}

func (f *dispatchFixture) email(t *testing.T, id uint) models.ScheduledEmail {
	t.Helper()
	var email models.ScheduledEmail
	require.NoError(t, f.db.First(&email, id).Error)
	return email
}

func (f *dispatchFixture) firstEmail(t *testing.T, executionID uint) models.ScheduledEmail {
	t.Helper()
	var email models.ScheduledEmail
	require.NoError(t, f.db.Where("execution_id = ?", executionID).Order("id ASC").First(&email).Error)
	return email
}

func TestSweepSendsDueEmailAndAdvances(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 10*time.Minute, time.Hour)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	// Not yet due
	f.worker.Sweep(context.Background())
	assert.Equal(t, 0, f.sender.sentCount())

	f.advance(15 * time.Minute)
	f.worker.Sweep(context.Background())

	require.Equal(t, 1, f.sender.sentCount())
	assert.Equal(t, "ada@example.com", f.sender.sent[0].To)
	assert.Equal(t, "Step subject for Ada", f.sender.sent[0].Subject)

	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailSent, first.Status)
	assert.NotEmpty(t, first.MessageID)
	require.NotNil(t, first.SentAt)

	// The execution advanced and exactly one new pending row exists
	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, 1, updated.CurrentStepIndex)

	var pending []models.ScheduledEmail
	require.NoError(t, f.db.Where("execution_id = ? AND status = ?", execution.ID, models.EmailPending).
		Find(&pending).Error)
	require.Len(t, pending, 1)
	assert.WithinDuration(t, f.now.Add(time.Hour), pending[0].ScheduledAt, time.Second)

	// Contact bookkeeping for the no-reply sweep
	var reloaded models.Contact
	require.NoError(t, f.db.First(&reloaded, contact.ID).Error)
	require.NotNil(t, reloaded.LastEmailedAt)
}

func TestSweepRunsFullSequenceToCompletion(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0, time.Hour, time.Hour)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.worker.Sweep(context.Background())
		f.advance(time.Hour)
	}

	require.Equal(t, 3, f.sender.sentCount())

	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, models.ExecutionCompleted, updated.Status)

	// Completion re-enters the rule engine as an event, not a direct call
	events := f.bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.TriggerSequenceComplete, events[0].Type)
	assert.Equal(t, contact.ID, events[0].ContactID)
}

func TestSweepSkipsPausedExecutions(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Pause(context.Background(), execution.ID))

	f.advance(time.Hour)
	f.worker.Sweep(context.Background())

	assert.Equal(t, 0, f.sender.sentCount())
	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailPending, first.Status)

	// Resuming makes the past-due row eligible on the next sweep
	require.NoError(t, f.scheduler.Resume(context.Background(), execution.ID))
	f.worker.Sweep(context.Background())
	assert.Equal(t, 1, f.sender.sentCount())
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	f.sender.errs = []error{&services.SendError{Err: io.ErrUnexpectedEOF}}
	f.worker.Sweep(context.Background())

	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailPending, first.Status)
	assert.Equal(t, 1, first.AttemptCount)
	assert.WithinDuration(t, f.now.Add(f.worker.Backoff), first.ScheduledAt, time.Second)
	assert.NotEmpty(t, first.LastError)

	// Before the backoff elapses the row stays untouched
	f.advance(f.worker.Backoff / 2)
	f.worker.Sweep(context.Background())
	assert.Equal(t, 0, f.sender.sentCount())

	f.advance(f.worker.Backoff)
	f.worker.Sweep(context.Background())
	require.Equal(t, 1, f.sender.sentCount())

	first = f.email(t, first.ID)
	assert.Equal(t, models.EmailSent, first.Status)
	assert.Equal(t, 2, first.AttemptCount)
}

func TestTransientFailuresExhaustAttemptsThenFailExecution(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	f.worker.MaxAttempts = 2
	f.sender.errs = []error{
		&services.SendError{Err: io.ErrUnexpectedEOF},
		&services.SendError{Err: io.ErrUnexpectedEOF},
	}

	f.worker.Sweep(context.Background())
	f.advance(f.worker.Backoff * 2)
	f.worker.Sweep(context.Background())

	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailFailed, first.Status)
	assert.Equal(t, 2, first.AttemptCount)

	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, models.ExecutionFailed, updated.Status)
	assert.NotEmpty(t, updated.LastError)
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	f.sender.errs = []error{&services.PermanentSendError{Reason: "mailbox does not exist"}}
	f.worker.Sweep(context.Background())

	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailFailed, first.Status)
	assert.Equal(t, 1, first.AttemptCount)

	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, models.ExecutionFailed, updated.Status)
}

func TestRenderFailureFailsWithoutSending(t *testing.T) {
	f := newDispatchFixture(t)
	contact := models.Contact{Email: "ada@example.com"} // no first name
	require.NoError(t, f.db.Create(&contact).Error)
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	f.worker.Sweep(context.Background())

	assert.Equal(t, 0, f.sender.sentCount())
	first := f.firstEmail(t, execution.ID)
	assert.Equal(t, models.EmailFailed, first.Status)

	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, models.ExecutionFailed, updated.Status)
}

func TestTrackingInjectionUsesPersistedMessageID(t *testing.T) {
	f := newDispatchFixture(t)
	f.worker.TrackingURL = "https://track.example.com"
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	f.worker.Sweep(context.Background())
	require.Equal(t, 1, f.sender.sentCount())

	first := f.firstEmail(t, execution.ID)
	require.NotEmpty(t, first.MessageID)
	assert.True(t, strings.Contains(f.sender.sent[0].Body,
		"https://track.example.com/track/open/"+first.MessageID+"/"),
		"body should carry the open pixel for the persisted message id")
}

func TestCancelledEmailIsNeverSent(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	first := f.firstEmail(t, execution.ID)
	require.NoError(t, f.scheduler.CancelEmail(context.Background(), first.ID))

	f.advance(time.Hour)
	f.worker.Sweep(context.Background())

	assert.Equal(t, 0, f.sender.sentCount())
	assert.Equal(t, models.EmailCancelled, f.email(t, first.ID).Status)
}

func (f *dispatchFixture) orphanClaim(t *testing.T, emailID uint, attempts int, claimedAt time.Time) {
	t.Helper()
	// UpdateColumns keeps gorm from touching updated_at, so the row
	// looks exactly like one left behind by a dead process
	require.NoError(t, f.db.Model(&models.ScheduledEmail{}).
		Where("id = ?", emailID).
		UpdateColumns(map[string]interface{}{
			"status":        models.EmailSending,
			"attempt_count": attempts,
			"updated_at":    claimedAt,
		}).Error)
}

func TestSweepRecoversAbandonedClaim(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	first := f.firstEmail(t, execution.ID)
	f.orphanClaim(t, first.ID, 1, f.now.Add(-f.worker.ClaimTimeout-time.Minute))

	f.worker.Sweep(context.Background())

	// The same sweep requeues the abandoned row and sends it
	require.Equal(t, 1, f.sender.sentCount())
	assert.Equal(t, models.EmailSent, f.email(t, first.ID).Status)
}

func TestSweepFailsAbandonedClaimOutOfAttempts(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	first := f.firstEmail(t, execution.ID)
	f.orphanClaim(t, first.ID, f.worker.MaxAttempts, f.now.Add(-f.worker.ClaimTimeout-time.Minute))

	f.worker.Sweep(context.Background())

	assert.Equal(t, 0, f.sender.sentCount())
	first = f.email(t, first.ID)
	assert.Equal(t, models.EmailFailed, first.Status)
	assert.NotEmpty(t, first.LastError)

	var updated models.SequenceExecution
	require.NoError(t, f.db.First(&updated, execution.ID).Error)
	assert.Equal(t, models.ExecutionFailed, updated.Status)
}

func TestSweepLeavesFreshClaimsAlone(t *testing.T) {
	f := newDispatchFixture(t)
	contact := f.seedContact(t, "ada@example.com")
	seq := f.seedSequence(t, 0)

	execution, err := f.scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	first := f.firstEmail(t, execution.ID)
	f.orphanClaim(t, first.ID, 1, f.now.Add(-time.Minute))

	f.worker.Sweep(context.Background())

	assert.Equal(t, 0, f.sender.sentCount())
	assert.Equal(t, models.EmailSending, f.email(t, first.ID).Status)
}
