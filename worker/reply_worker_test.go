package worker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"crmflow/models"
	"crmflow/sequence"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundMessage(fromMailbox, fromHost, subject, body string) *imap.Message {
	raw := "From: " + fromMailbox + "@" + fromHost + "\r\n" +
		"To: outreach@crmflow.test\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"

	section := &imap.BodySectionName{}
	return &imap.Message{
		Envelope: &imap.Envelope{
			Subject: subject,
			From:    []*imap.Address{{MailboxName: fromMailbox, HostName: fromHost}},
		},
		Body: map[*imap.BodySectionName]imap.Literal{
			section: bytes.NewBufferString(raw),
		},
	}
}

func TestExtractTextBodyReadsFetchedSection(t *testing.T) {
	msg := inboundMessage("ada", "example.com", "Re: checking in", "Thanks, that sounds good to me.")

	body := extractTextBody(msg)
	assert.Contains(t, body, "sounds good")
}

func TestExtractTextBodyWithoutSection(t *testing.T) {
	msg := &imap.Message{Envelope: &imap.Envelope{Subject: "Re: hi"}}
	assert.Equal(t, "", extractTextBody(msg))
}

func TestClassifyReply(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		want    string
	}{
		{"body-only negative", "Re: checking in", "Thanks, but I'm not interested.", "negative"},
		{"body-only positive", "Re: checking in", "Sure, let's talk next week.", "positive"},
		{"subject keyword", "Please unsubscribe me", "", "negative"},
		{"no keywords", "Re: checking in", "Out of office until Monday.", "neutral"},
		{"negative wins over its positive substring", "Re: checking in", "not interested at all", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyReply(tt.subject, tt.body))
		})
	}
}

func TestProcessMessageClassifiesFromBody(t *testing.T) {
	db := testDB(t)
	bus := &busRecorder{}
	scheduler := sequence.NewScheduler(db, bus, testLogger())
	w := NewReplyWorker(db, bus, scheduler, testLogger())

	contact := models.Contact{Email: "ada@example.com", FirstName: "Ada"}
	require.NoError(t, db.Create(&contact).Error)

	seq := models.Sequence{Name: "Drip", Active: true}
	require.NoError(t, db.Create(&seq).Error)
	require.NoError(t, db.Create(&models.SequenceStep{
		SequenceID:      seq.ID,
		StepOrder:       1,
		SubjectTemplate: "Hello {{first_name}}",
		BodyTemplate:    "Hi {{first_name}}",
		DelayMinutes:    60,
	}).Error)
	execution, err := scheduler.Start(context.Background(), seq.ID, contact.ID, nil)
	require.NoError(t, err)

	// Neutral subject; the polarity has to come out of the body text
	msg := inboundMessage("ada", "example.com", "Re: checking in", "Thanks, but I'm not interested.")
	require.NoError(t, w.processMessage(context.Background(), msg))

	var types []string
	for _, ev := range bus.all() {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.TriggerAnyReply)
	assert.Contains(t, types, models.TriggerNegativeReply)
	assert.NotContains(t, types, models.TriggerPositiveReply)

	var reloaded models.Contact
	require.NoError(t, db.First(&reloaded, contact.ID).Error)
	require.NotNil(t, reloaded.LastRepliedAt)
	assert.WithinDuration(t, time.Now().UTC(), *reloaded.LastRepliedAt, time.Minute)

	var stopped models.SequenceExecution
	require.NoError(t, db.First(&stopped, execution.ID).Error)
	assert.Equal(t, models.ExecutionReplied, stopped.Status)
}

func TestProcessMessageIgnoresUnknownSender(t *testing.T) {
	db := testDB(t)
	bus := &busRecorder{}
	w := NewReplyWorker(db, bus, sequence.NewScheduler(db, bus, testLogger()), testLogger())

	msg := inboundMessage("stranger", "example.com", "Re: hi", "not interested")
	require.NoError(t, w.processMessage(context.Background(), msg))
	assert.Empty(t, bus.all())
}
