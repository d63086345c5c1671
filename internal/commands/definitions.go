package commands

import "github.com/susu3304/ledgerbot/internal/conversation"

// Arg is a single optional free-text argument of a command. Transports with
// structured commands (Discord slash commands) expose it as an option.
type Arg struct {
	Name        string
	Description string
}

type Definition struct {
	Name        string
	Description string
	Arg         *Arg
	// Flow is set for commands that start a conversation flow.
	Flow conversation.Flow
}

// Catalog lists every command in help order.
func Catalog() []Definition {
	return []Definition{
		{
			Name:        "add_person",
			Description: "Register a new person",
			Arg:         &Arg{Name: "name", Description: "Name of the person"},
			Flow:        conversation.FlowAddPerson,
		},
		{
			Name:        "add_debt",
			Description: "Record money someone owes you",
			Arg:         &Arg{Name: "entry", Description: "Name or #id, or \"<id> <amount> <description>\""},
			Flow:        conversation.FlowAddDebt,
		},
		{
			Name:        "record_payment",
			Description: "Record a repayment",
			Arg:         &Arg{Name: "entry", Description: "Name or #id, or \"<id> <amount> <description>\""},
			Flow:        conversation.FlowRecordPayment,
		},
		{
			Name:        "history",
			Description: "Show a person's transactions",
			Arg:         &Arg{Name: "person", Description: "Name or #id"},
			Flow:        conversation.FlowHistory,
		},
		{
			Name:        "manage",
			Description: "Rename or delete a person",
			Arg:         &Arg{Name: "person", Description: "Name or #id"},
			Flow:        conversation.FlowManageContact,
		},
		{
			Name:        "export",
			Description: "Export transactions as CSV",
			Arg:         &Arg{Name: "scope", Description: "all, debts, payments or person"},
			Flow:        conversation.FlowExport,
		},
		{Name: "people", Description: "List everyone with their balance"},
		{
			Name:        "balance",
			Description: "Show one person's balance",
			Arg:         &Arg{Name: "person", Description: "Name or #id"},
		},
		{Name: "dashboard", Description: "Totals, top balances and recent activity"},
		{
			Name:        "search",
			Description: "Find people by name",
			Arg:         &Arg{Name: "query", Description: "Part of a name"},
		},
		{
			Name:        "language",
			Description: "Show or change your language",
			Arg:         &Arg{Name: "code", Description: "en or fa"},
		},
		{Name: "skip", Description: "Skip an optional step"},
		{Name: "cancel", Description: "Abandon the current step-by-step action"},
		{Name: "help", Description: "Show this help"},
	}
}

func lookup(name string) (Definition, bool) {
	for _, d := range Catalog() {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
