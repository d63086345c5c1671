package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/susu3304/ledgerbot/internal/ledger"
)

const (
	dashboardTop    = 5
	dashboardRecent = 5
)

// Languages maps supported language codes to their display names.
var Languages = map[string]string{
	"en": "English",
	"fa": "فارسی",
}

func (d *Dispatcher) people(ctx context.Context, _ Inbound, _ string) (Response, error) {
	people, err := d.store.ListPeople(ctx)
	if err != nil {
		return Response{}, err
	}
	if len(people) == 0 {
		return Response{Text: "No people yet. Use /add_person to register someone."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "People (%d):", len(people))
	for _, p := range people {
		fmt.Fprintf(&b, "\n• %s (#%d): %s", p.Person.Name, p.Person.ID, ledger.FormatAmount(p.Balance))
	}
	return Response{Text: b.String()}, nil
}

func (d *Dispatcher) balance(ctx context.Context, _ Inbound, args string) (Response, error) {
	if args == "" {
		return Response{Text: "Usage: /balance <name or #id>"}, nil
	}
	people, err := d.store.FindPeople(ctx, args)
	if err != nil {
		return Response{}, err
	}
	p, ok := ledger.ExactMatch(people, args)
	switch {
	case len(people) == 0:
		return Response{Text: fmt.Sprintf("No one matches %q.", args)}, nil
	case len(people) == 1:
		p = people[0]
	case !ok:
		return Response{Text: matches(people, "Several people match %q. Use /balance #id:", args)}, nil
	}

	bal, err := d.store.Balance(ctx, p.ID)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("%s (#%d): %s", p.Name, p.ID, ledger.FormatAmount(bal))}, nil
}

func (d *Dispatcher) search(ctx context.Context, _ Inbound, args string) (Response, error) {
	if args == "" {
		return Response{Text: "Usage: /search <name words, #ids, debtors, creditors, settled, balance>N>"}, nil
	}
	res, err := d.store.SearchPeople(ctx, args, ledger.SearchLimit)
	if err != nil {
		return Response{}, err
	}
	if len(res.Matches) == 0 {
		text := fmt.Sprintf("No one matches %q.", args)
		if len(res.Suggestions) > 0 {
			text += " Did you mean: " + strings.Join(res.Suggestions, ", ") + "?"
		}
		return Response{Text: text}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Matches for %q:", args)
	for _, m := range res.Matches {
		fmt.Fprintf(&b, "\n• %s (#%d): %s", m.Person.Name, m.Person.ID, ledger.FormatAmount(m.Balance))
	}
	return Response{Text: b.String()}, nil
}

func (d *Dispatcher) dashboard(ctx context.Context, _ Inbound, _ string) (Response, error) {
	dash, err := d.store.DashboardSummary(ctx, dashboardTop, dashboardRecent)
	if err != nil {
		return Response{}, err
	}

	var b strings.Builder
	b.WriteString("Dashboard\n")
	fmt.Fprintf(&b, "Total debt: %s\n", ledger.FormatAmount(dash.Totals.TotalDebt))
	fmt.Fprintf(&b, "Total payments: %s\n", ledger.FormatAmount(dash.Totals.TotalPayments))
	fmt.Fprintf(&b, "Outstanding: %s", ledger.FormatAmount(dash.Totals.Outstanding))

	if len(dash.TopBalances) > 0 {
		b.WriteString("\n\nTop balances:")
		for _, p := range dash.TopBalances {
			fmt.Fprintf(&b, "\n• %s (#%d): %s", p.Person.Name, p.Person.ID, ledger.FormatAmount(p.Balance))
		}
	}
	if len(dash.Recent) > 0 {
		b.WriteString("\n\nRecent activity:")
		for _, a := range dash.Recent {
			t := a.Transaction
			fmt.Fprintf(&b, "\n• %s %s %s", t.CreatedAt.UTC().Format("2006-01-02"), a.PersonName, ledger.FormatSigned(t.Amount))
			if t.Description != "" {
				b.WriteString(" " + t.Description)
			}
		}
	}
	return Response{Text: b.String()}, nil
}

func (d *Dispatcher) language(ctx context.Context, in Inbound, args string) (Response, error) {
	if args == "" {
		current, err := d.store.Language(ctx, in.UserID)
		if err != nil {
			return Response{}, err
		}
		label, ok := Languages[current]
		if !ok {
			label = current
		}
		return Response{
			Text:    fmt.Sprintf("Your language is %s. Send /language <code> to change it: en, fa.", label),
			Choices: []string{"/language en", "/language fa"},
		}, nil
	}

	code := strings.ToLower(strings.TrimSpace(args))
	if _, ok := Languages[code]; !ok {
		for c, label := range Languages {
			if strings.EqualFold(label, args) {
				code = c
			}
		}
	}
	if _, ok := Languages[code]; !ok {
		return Response{Text: "Unknown language. Available: en, fa."}, nil
	}
	if err := d.store.SetLanguage(ctx, in.UserID, code); err != nil {
		return Response{}, err
	}
	return Response{Text: fmt.Sprintf("Language set to %s.", Languages[code])}, nil
}

func (d *Dispatcher) help(context.Context, Inbound, string) (Response, error) {
	var b strings.Builder
	b.WriteString("I keep track of who owes you money.\n")
	for _, def := range Catalog() {
		fmt.Fprintf(&b, "\n/%s", def.Name)
		if def.Arg != nil {
			fmt.Fprintf(&b, " [%s]", def.Arg.Name)
		}
		fmt.Fprintf(&b, " - %s", def.Description)
	}
	b.WriteString("\n\nSend cancel at any time to stop the current action.")
	return Response{Text: b.String()}, nil
}

func matches(people []ledger.Person, format, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, format, query)
	for _, p := range people {
		fmt.Fprintf(&b, "\n• %s (#%d)", p.Name, p.ID)
	}
	return b.String()
}
