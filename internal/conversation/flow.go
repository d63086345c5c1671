// Package conversation drives users through the multi-step flows of the
// bookkeeping bot. Each user's position in a flow is an explicit Session kept
// in a SessionStore between messages; the ledger is only written at the final
// confirmation of a flow.
package conversation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

type Flow string

const (
	FlowAddPerson     Flow = "add-person"
	FlowAddDebt       Flow = "add-debt"
	FlowRecordPayment Flow = "record-payment"
	FlowHistory       Flow = "history"
	FlowManageContact Flow = "manage-contact"
	FlowExport        Flow = "export"
)

// Flows lists every flow in menu order.
var Flows = []Flow{FlowAddPerson, FlowAddDebt, FlowRecordPayment, FlowHistory, FlowManageContact, FlowExport}

// Signed applies the flow's sign convention to a positive user-entered
// amount: debts are stored as entered, payments negated.
func (f Flow) Signed(amount decimal.Decimal) decimal.Decimal {
	if f == FlowRecordPayment {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}

func (f Flow) Title() string {
	switch f {
	case FlowAddPerson:
		return "Add person"
	case FlowAddDebt:
		return "Add debt"
	case FlowRecordPayment:
		return "Record payment"
	case FlowHistory:
		return "History"
	case FlowManageContact:
		return "Manage contact"
	case FlowExport:
		return "Export"
	}
	return string(f)
}

type Step string

const (
	StepName        Step = "name"
	StepPerson      Step = "person"
	StepAmount      Step = "amount"
	StepDescription Step = "description"
	StepDateRange   Step = "date-range"
	StepAction      Step = "action"
	StepNewName     Step = "new-name"
	StepScope       Step = "scope"
	StepConfirm     Step = "confirm"
)

const (
	ActionRename = "rename"
	ActionDelete = "delete"
)

// Session is one user's position inside a flow together with everything
// collected so far.
type Session struct {
	ID     string
	UserID int64
	Flow   Flow
	Step   Step

	PersonID    int64
	PersonName  string
	Amount      decimal.Decimal // as entered, always positive
	Description string
	Action      string
	NewName     string
	Scope       ledger.ExportScope

	StartedAt time.Time
	UpdatedAt time.Time
}

// Attachment is a file handed to the transport for delivery.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Response struct {
	Text       string
	Attachment *Attachment
	// Choices are suggested replies a transport may render as buttons.
	Choices []string
	// Done is set when the reply ends the flow.
	Done bool
}

// ValidationError rejects the input for the current step. The step is kept
// and the user is prompted again.
type ValidationError struct {
	Step    Step
	Reason  string
	Choices []string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(step Step, reason string) *ValidationError {
	return &ValidationError{Step: step, Reason: reason}
}

var (
	yesWords  = map[string]bool{"yes": true, "y": true, "ok": true, "confirm": true}
	noWords   = map[string]bool{"no": true, "n": true}
	skipWords = map[string]bool{"/skip": true, "skip": true, "-": true}
)

func normalizeWord(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isSkip(s string) bool {
	return skipWords[normalizeWord(s)]
}
