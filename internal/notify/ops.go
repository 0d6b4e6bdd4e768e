package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// OpsNotifier emails the operations inbox about events that need a human.
// It is an outbox handler; events it does not care about are acknowledged.
// to is a comma separated address list.
type OpsNotifier struct {
	email  EmailSender
	to     []string
	logger *logging.Logger
}

func NewOpsNotifier(email EmailSender, to string, logger *logging.Logger) *OpsNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &OpsNotifier{email: email, to: ParseRecipients(to), logger: logger}
}

func (n *OpsNotifier) Handle(ctx context.Context, entry events.OutboxEntry) error {
	if entry.Type != events.TypeReconciliationRequired {
		return nil
	}
	if n.email == nil || len(n.to) == 0 {
		n.logger.Warn("notify: ops email not configured, reconciliation alert dropped", "event_id", entry.ID)
		return nil
	}
	var evt events.ReconciliationRequiredV1
	if err := json.Unmarshal(entry.Payload, &evt); err != nil {
		n.logger.Error("notify: undecodable reconciliation event", "error", err, "event_id", entry.ID)
		return nil
	}
	msg := reconciliationEmail(evt)
	msg.To = n.to
	msg.Reference = entry.ID.String()
	return n.email.Send(ctx, msg)
}

const categoryReconciliation = "reconciliation"

func reconciliationEmail(evt events.ReconciliationRequiredV1) EmailMessage {
	rows := [][2]string{
		{"Workflow", evt.WorkflowID},
		{"Reservation", evt.ReservationID},
		{"Practitioner", evt.PractitionerID},
		{"Patient", evt.PatientID},
		{"Receipt", receiptLabel(evt)},
		{"Amount", formatAmount(evt.Amount, evt.Currency)},
		{"Cause", evt.Cause},
		{"Occurred at", evt.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST")},
	}
	const action = "Refund the charge or rebook the patient manually."
	lead := "A consultation fee was captured but the appointment could not be confirmed."
	if evt.ReceiptID == "" {
		lead = "A consultation fee may have been captured but the appointment could not be confirmed."
	}

	var text, page strings.Builder
	text.WriteString(lead + "\n\n")
	page.WriteString("<p>" + lead + "</p>\n<table>\n")
	for _, row := range rows {
		fmt.Fprintf(&text, "%-14s %s\n", row[0]+":", row[1])
		fmt.Fprintf(&page, "<tr><th align=\"left\">%s</th><td>%s</td></tr>\n", row[0], html.EscapeString(row[1]))
	}
	text.WriteString("\n" + action + "\n")
	page.WriteString("</table>\n<p>" + action + "</p>\n")

	return EmailMessage{
		Subject:  reconciliationSubject(evt),
		Text:     text.String(),
		HTML:     page.String(),
		Category: categoryReconciliation,
	}
}

// An empty receipt means the charge was sent but its result never recorded.
func receiptLabel(evt events.ReconciliationRequiredV1) string {
	if evt.ReceiptID == "" {
		return "unknown, check the provider dashboard for reservation " + evt.ReservationID
	}
	return fmt.Sprintf("%s (%s)", evt.ReceiptID, evt.Provider)
}

func reconciliationSubject(evt events.ReconciliationRequiredV1) string {
	if evt.ReceiptID == "" {
		return fmt.Sprintf("Reconciliation required: payment outcome unknown for reservation %s", evt.ReservationID)
	}
	return fmt.Sprintf("Reconciliation required: payment %s without a booking", evt.ReceiptID)
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
