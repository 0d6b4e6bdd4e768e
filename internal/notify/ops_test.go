package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type captureSender struct {
	sent []EmailMessage
	err  error
}

func (c *captureSender) Send(_ context.Context, msg EmailMessage) error {
	c.sent = append(c.sent, msg)
	return c.err
}

func reconciliationEntry(t *testing.T) events.OutboxEntry {
	t.Helper()
	payload, err := json.Marshal(events.ReconciliationRequiredV1{
		WorkflowID:    "wf-1",
		ReservationID: "res-1",
		ReceiptID:     "pi_123",
		Provider:      "stripe",
		Amount:        50000,
		Currency:      "inr",
		Cause:         "hold expired",
		OccurredAt:    time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return events.OutboxEntry{ID: uuid.New(), Type: events.TypeReconciliationRequired, Payload: payload}
}

func TestOpsNotifierEmailsReconciliation(t *testing.T) {
	sender := &captureSender{}
	n := NewOpsNotifier(sender, "oncall@example.com", logging.Discard())

	require.NoError(t, n.Handle(context.Background(), reconciliationEntry(t)))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{"oncall@example.com"}, msg.To)
	assert.Contains(t, msg.Subject, "pi_123")
	assert.True(t, strings.Contains(msg.Text, "500.00 INR"), msg.Text)
	assert.Contains(t, msg.Text, "hold expired")
	assert.Contains(t, msg.HTML, "<td>hold expired</td>")
	assert.Equal(t, "reconciliation", msg.Category)
	assert.NotEmpty(t, msg.Reference)
}

func TestOpsNotifierSendsToEveryRecipient(t *testing.T) {
	sender := &captureSender{}
	n := NewOpsNotifier(sender, " oncall@example.com, ,finance@example.com ", logging.Discard())

	require.NoError(t, n.Handle(context.Background(), reconciliationEntry(t)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"oncall@example.com", "finance@example.com"}, sender.sent[0].To)
}

func TestOpsNotifierIgnoresOtherEvents(t *testing.T) {
	sender := &captureSender{}
	n := NewOpsNotifier(sender, "oncall@example.com", logging.Discard())
	require.NoError(t, n.Handle(context.Background(), events.OutboxEntry{Type: events.TypeBookingConfirmed}))
	assert.Empty(t, sender.sent)
}

func TestOpsNotifierPropagatesSendErrors(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	n := NewOpsNotifier(sender, "oncall@example.com", logging.Discard())
	assert.Error(t, n.Handle(context.Background(), reconciliationEntry(t)))

	unconfigured := NewOpsNotifier(nil, " , ", logging.Discard())
	assert.NoError(t, unconfigured.Handle(context.Background(), reconciliationEntry(t)))
}

func TestOpsNotifierUnknownPaymentOutcome(t *testing.T) {
	sender := &captureSender{}
	n := NewOpsNotifier(sender, "oncall@example.com", logging.Discard())

	payload, err := json.Marshal(events.ReconciliationRequiredV1{
		WorkflowID:    "wf-2",
		ReservationID: "res-2",
		Amount:        50000,
		Currency:      "inr",
		Cause:         "booking: payment outcome unknown: reservations: hold expired",
	})
	require.NoError(t, err)
	require.NoError(t, n.Handle(context.Background(), events.OutboxEntry{ID: uuid.New(), Type: events.TypeReconciliationRequired, Payload: payload}))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Contains(t, msg.Subject, "outcome unknown for reservation res-2")
	assert.Contains(t, msg.Text, "may have been captured")
	assert.Contains(t, msg.Text, "check the provider dashboard for reservation res-2")
}
