package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

// prompt asks for s.Step, prefixed with the reason the last input was
// rejected if there was one.
func (e *Engine) prompt(s Session, verr *ValidationError) Response {
	var r Response
	switch s.Step {
	case StepName:
		r.Text = "Send the name of the new person."
	case StepPerson:
		r.Text = "Who is it? Send a name or #id."
		if s.Flow == FlowAddDebt || s.Flow == FlowRecordPayment {
			r.Text += " You can also send \"<id> <amount> <description>\" in one message."
		}
	case StepAmount:
		if s.Flow == FlowRecordPayment {
			r.Text = fmt.Sprintf("How much did %s pay back?", s.PersonName)
		} else {
			r.Text = fmt.Sprintf("How much does %s owe?", s.PersonName)
		}
	case StepDescription:
		r.Text = "Add a description, or send /skip."
		r.Choices = []string{"/skip"}
	case StepDateRange:
		r.Text = "Send a date range as YYYY-MM-DD,YYYY-MM-DD (either side may be empty) or a single day, or /skip for everything."
		r.Choices = []string{"/skip"}
	case StepAction:
		r.Text = fmt.Sprintf("What should happen to %s? rename or delete", s.PersonName)
		r.Choices = []string{ActionRename, ActionDelete}
	case StepNewName:
		r.Text = fmt.Sprintf("Send the new name for %s.", s.PersonName)
	case StepScope:
		r.Text = "What should be exported? all, debts, payments or person"
		r.Choices = []string{"all", "debts", "payments", "person"}
	case StepConfirm:
		r.Text = confirmText(s) + " (yes/no)"
		r.Choices = []string{"yes", "no"}
	}

	if verr != nil {
		r.Text = verr.Reason + "\n" + r.Text
		if len(verr.Choices) > 0 {
			r.Choices = verr.Choices
		}
	}
	return r
}

func confirmText(s Session) string {
	switch s.Flow {
	case FlowAddDebt:
		return fmt.Sprintf("Add a debt of %s for %s%s?", ledger.FormatAmount(s.Amount), s.PersonName, quoted(s.Description))
	case FlowRecordPayment:
		return fmt.Sprintf("Record a payment of %s from %s%s?", ledger.FormatAmount(s.Amount), s.PersonName, quoted(s.Description))
	case FlowManageContact:
		if s.Action == ActionDelete {
			return fmt.Sprintf("Delete %s and all of their transactions?", s.PersonName)
		}
		return fmt.Sprintf("Rename %s to %s?", s.PersonName, s.NewName)
	}
	return "Confirm?"
}

func quoted(desc string) string {
	if desc == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", desc)
}

func renderHistory(name string, id int64, txs []ledger.Transaction, balance decimal.Decimal, r ledger.DateRange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "History for %s (#%d)", name, id)
	if !r.IsZero() {
		fmt.Fprintf(&b, " from %s to %s", dayOrOpen(r.From), dayOrOpen(r.To))
	}
	b.WriteString(":\n")

	if len(txs) == 0 {
		b.WriteString("No transactions.\n")
	}
	shown := txs
	if len(shown) > maxHistoryLines {
		fmt.Fprintf(&b, "(showing the last %d of %d, use /export for all)\n", maxHistoryLines, len(txs))
		shown = shown[len(shown)-maxHistoryLines:]
	}
	for _, t := range shown {
		fmt.Fprintf(&b, "#%d %s %s", t.ID, t.CreatedAt.UTC().Format("2006-01-02"), ledger.FormatSigned(t.Amount))
		if t.Description != "" {
			b.WriteString(" " + t.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Balance: %s", ledger.FormatAmount(balance))
	return b.String()
}

func dayOrOpen(t time.Time) string {
	if t.IsZero() {
		return "..."
	}
	return t.Format("2006-01-02")
}
