package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/susu3304/ledgerbot/internal/export"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"github.com/susu3304/ledgerbot/internal/logging"
	"github.com/susu3304/ledgerbot/internal/metrics"
)

const (
	maxCandidates   = 10
	maxNameLen      = 64
	maxDescription  = 200
	maxHistoryLines = 50
)

const genericFailure = "Something went wrong and the operation was not completed. Please try again later."

// shortcut is "<id> <amount> [description]".
var shortcut = regexp.MustCompile(`(?s)^#?(\d+)\s+(\S+)(?:\s+(.*))?$`)

type Engine struct {
	store    ledger.Store
	sessions SessionStore
	logger   logging.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store ledger.Store, sessions SessionStore, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		sessions: sessions,
		logger:   logger.With("component", "conversation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins flow for the user and discards any flow in progress. When
// args is not empty it is taken as the answer to the first prompt.
func (e *Engine) Start(ctx context.Context, userID int64, flow Flow, args string) Response {
	if prev, ok := e.sessions.Get(userID); ok {
		e.logger.Debug(ctx, "flow replaced", "user_id", userID, "flow", prev.Flow, "flow_id", prev.ID)
		metrics.FlowsTotal.WithLabelValues(string(prev.Flow), "replaced").Inc()
	}

	now := e.now()
	s := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Flow:      flow,
		Step:      firstStep(flow),
		StartedAt: now,
		UpdatedAt: now,
	}
	e.save(s)
	e.logger.Debug(ctx, "flow started", "user_id", userID, "flow", flow, "flow_id", s.ID)

	if strings.TrimSpace(args) != "" {
		return e.advance(ctx, s, args)
	}
	return e.prompt(s, nil)
}

// Handle feeds text to the user's active flow. It reports false when the
// user has no active flow.
func (e *Engine) Handle(ctx context.Context, userID int64, text string) (Response, bool) {
	s, ok := e.sessions.Get(userID)
	if !ok {
		return Response{}, false
	}
	return e.advance(ctx, s, text), true
}

// Cancel discards the user's flow without touching the ledger.
func (e *Engine) Cancel(ctx context.Context, userID int64) Response {
	s, ok := e.sessions.Get(userID)
	if !ok {
		return Response{Text: "Nothing to cancel.", Done: true}
	}
	e.drop(s.UserID)
	metrics.FlowsTotal.WithLabelValues(string(s.Flow), "cancelled").Inc()
	e.logger.Debug(ctx, "flow cancelled", "user_id", userID, "flow", s.Flow, "flow_id", s.ID, "step", s.Step)
	return Response{Text: "Cancelled. Nothing was changed.", Done: true}
}

func (e *Engine) Active(userID int64) (Session, bool) {
	return e.sessions.Get(userID)
}

func (e *Engine) advance(ctx context.Context, s Session, input string) Response {
	next, reply, err := e.step(ctx, s, strings.TrimSpace(input))

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		s.UpdatedAt = e.now()
		e.save(s)
		return e.prompt(s, verr)
	case err != nil:
		return e.fail(ctx, s, err)
	}

	if reply != nil && reply.Done {
		e.drop(s.UserID)
		metrics.FlowsTotal.WithLabelValues(string(s.Flow), "completed").Inc()
		return *reply
	}
	next.UpdatedAt = e.now()
	e.save(next)
	if reply != nil {
		return *reply
	}
	return e.prompt(next, nil)
}

// step handles input for the current step. A nil reply means "prompt for
// next.Step".
func (e *Engine) step(ctx context.Context, s Session, input string) (Session, *Response, error) {
	switch s.Step {
	case StepName:
		return e.addPerson(ctx, s, input)
	case StepPerson:
		return e.selectPerson(ctx, s, input)
	case StepAmount:
		amount, err := ledger.ParseAmount(input)
		if err != nil {
			return s, nil, invalid(StepAmount, "That is not a valid amount. Send a positive number such as 12.50.")
		}
		s.Amount = amount
		s.Step = StepDescription
		return s, nil, nil
	case StepDescription:
		desc, err := description(input)
		if err != nil {
			return s, nil, err
		}
		s.Description = desc
		s.Step = StepConfirm
		return s, nil, nil
	case StepDateRange:
		return e.history(ctx, s, input)
	case StepAction:
		switch normalizeWord(input) {
		case ActionRename:
			s.Action, s.Step = ActionRename, StepNewName
		case ActionDelete, "remove":
			s.Action, s.Step = ActionDelete, StepConfirm
		default:
			return s, nil, invalid(StepAction, "Please answer rename or delete.")
		}
		return s, nil, nil
	case StepNewName:
		name, err := personName(StepNewName, input)
		if err != nil {
			return s, nil, err
		}
		s.NewName = name
		s.Step = StepConfirm
		return s, nil, nil
	case StepScope:
		scope, ok := parseScope(input)
		if !ok {
			return s, nil, invalid(StepScope, "Please choose all, debts, payments or person.")
		}
		s.Scope = scope
		if scope == ledger.ScopePerson {
			s.Step = StepPerson
			return s, nil, nil
		}
		return e.export(ctx, s)
	case StepConfirm:
		w := normalizeWord(input)
		switch {
		case noWords[w]:
			return s, &Response{Text: "Cancelled. Nothing was saved.", Done: true}, nil
		case yesWords[w]:
			return e.commit(ctx, s)
		}
		return s, nil, invalid(StepConfirm, "Please answer yes or no.")
	}
	return s, nil, fmt.Errorf("unknown step %q in flow %s", s.Step, s.Flow)
}

func (e *Engine) addPerson(ctx context.Context, s Session, input string) (Session, *Response, error) {
	name, err := personName(StepName, input)
	if err != nil {
		return s, nil, err
	}
	p, err := e.store.AddPerson(ctx, name)
	switch {
	case errors.Is(err, ledger.ErrDuplicateName):
		return s, nil, invalid(StepName, fmt.Sprintf("%s already exists. Send a different name.", name))
	case errors.Is(err, ledger.ErrInvalidName):
		return s, nil, invalid(StepName, "The name cannot be empty.")
	case err != nil:
		return s, nil, err
	}
	e.logger.Info(ctx, "person added", "user_id", s.UserID, "flow_id", s.ID, "person_id", p.ID)
	return s, &Response{Text: fmt.Sprintf("Added %s (#%d).", p.Name, p.ID), Done: true}, nil
}

func (e *Engine) selectPerson(ctx context.Context, s Session, input string) (Session, *Response, error) {
	if s.Flow == FlowAddDebt || s.Flow == FlowRecordPayment {
		next, ok, err := e.tryShortcut(ctx, s, input)
		if err != nil || ok {
			return next, nil, err
		}
	}

	p, err := e.resolvePerson(ctx, input)
	if err != nil {
		return s, nil, err
	}
	s.PersonID, s.PersonName = p.ID, p.Name

	switch s.Flow {
	case FlowAddDebt, FlowRecordPayment:
		s.Step = StepAmount
	case FlowHistory:
		s.Step = StepDateRange
	case FlowManageContact:
		s.Step = StepAction
	case FlowExport:
		return e.export(ctx, s)
	}
	return s, nil, nil
}

// tryShortcut accepts "<id> <amount> [description]" and jumps straight to
// confirmation. ok is false when input does not have that shape.
func (e *Engine) tryShortcut(ctx context.Context, s Session, input string) (Session, bool, error) {
	m := shortcut.FindStringSubmatch(input)
	if m == nil {
		return s, false, nil
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return s, false, nil
	}
	amount, err := ledger.ParseAmount(m[2])
	if err != nil {
		return s, false, nil
	}
	desc, err := description(m[3])
	if err != nil {
		return s, false, err
	}
	p, err := e.store.GetPerson(ctx, id)
	if errors.Is(err, ledger.ErrPersonNotFound) {
		return s, false, invalid(StepPerson, fmt.Sprintf("No person with ID #%d.", id))
	}
	if err != nil {
		return s, false, err
	}
	s.PersonID, s.PersonName = p.ID, p.Name
	s.Amount, s.Description = amount, desc
	s.Step = StepConfirm
	return s, true, nil
}

func (e *Engine) resolvePerson(ctx context.Context, input string) (ledger.Person, error) {
	if input == "" {
		return ledger.Person{}, invalid(StepPerson, "Please send a name or #id.")
	}
	people, err := e.store.FindPeople(ctx, input)
	if err != nil {
		return ledger.Person{}, err
	}
	switch len(people) {
	case 0:
		return ledger.Person{}, invalid(StepPerson, fmt.Sprintf("No one matches %q.", input))
	case 1:
		return people[0], nil
	}
	if p, ok := ledger.ExactMatch(people, input); ok {
		return p, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Several people match %q:\n", input)
	verr := invalid(StepPerson, "")
	for i, p := range people {
		if i == maxCandidates {
			fmt.Fprintf(&b, "...and %d more\n", len(people)-maxCandidates)
			break
		}
		fmt.Fprintf(&b, "#%d %s\n", p.ID, p.Name)
		verr.Choices = append(verr.Choices, "#"+strconv.FormatInt(p.ID, 10))
	}
	b.WriteString("Reply with the #id of the right one.")
	verr.Reason = b.String()
	return ledger.Person{}, verr
}

func (e *Engine) history(ctx context.Context, s Session, input string) (Session, *Response, error) {
	var r ledger.DateRange
	if !isSkip(input) && normalizeWord(input) != "all" {
		var err error
		if r, err = ledger.ParseDateRange(input); err != nil {
			return s, nil, invalid(StepDateRange, "That is not a valid range. Use YYYY-MM-DD,YYYY-MM-DD or a single YYYY-MM-DD.")
		}
	}

	txs, err := e.store.History(ctx, s.PersonID, r)
	if errors.Is(err, ledger.ErrPersonNotFound) {
		return s, gone(s.PersonName), nil
	}
	if err != nil {
		return s, nil, err
	}
	balance, err := e.store.Balance(ctx, s.PersonID)
	if err != nil {
		return s, nil, err
	}
	return s, &Response{Text: renderHistory(s.PersonName, s.PersonID, txs, balance, r), Done: true}, nil
}

func (e *Engine) export(ctx context.Context, s Session) (Session, *Response, error) {
	rows, err := e.store.ExportTransactions(ctx, ledger.ExportFilter{Scope: s.Scope, PersonID: s.PersonID})
	if errors.Is(err, ledger.ErrPersonNotFound) {
		return s, gone(s.PersonName), nil
	}
	if err != nil {
		return s, nil, err
	}
	if len(rows) == 0 {
		return s, &Response{Text: "No transactions to export.", Done: true}, nil
	}
	data, err := export.CSV(rows)
	if err != nil {
		return s, nil, err
	}
	return s, &Response{
		Text: fmt.Sprintf("Exported %d transactions.", len(rows)),
		Attachment: &Attachment{
			Name:        export.FileName(e.now()),
			ContentType: export.ContentType,
			Data:        data,
		},
		Done: true,
	}, nil
}

func (e *Engine) commit(ctx context.Context, s Session) (Session, *Response, error) {
	switch s.Flow {
	case FlowAddDebt, FlowRecordPayment:
		tx, balance, err := e.store.RecordTransaction(ctx, s.PersonID, s.Flow.Signed(s.Amount), s.Description)
		if errors.Is(err, ledger.ErrPersonNotFound) {
			return s, gone(s.PersonName), nil
		}
		if err != nil {
			return s, nil, err
		}
		e.logger.Info(ctx, "transaction recorded",
			"user_id", s.UserID, "flow", s.Flow, "flow_id", s.ID, "person_id", s.PersonID, "transaction_id", tx.ID)
		kind := "Debt"
		if tx.IsPayment() {
			kind = "Payment"
		}
		return s, &Response{
			Text: fmt.Sprintf("%s of %s saved for %s. Balance: %s.",
				kind, ledger.FormatAmount(tx.Amount.Abs()), s.PersonName, ledger.FormatAmount(balance)),
			Done: true,
		}, nil

	case FlowManageContact:
		if s.Action == ActionDelete {
			err := e.store.DeletePerson(ctx, s.PersonID)
			if errors.Is(err, ledger.ErrPersonNotFound) {
				return s, gone(s.PersonName), nil
			}
			if err != nil {
				return s, nil, err
			}
			e.logger.Info(ctx, "person deleted", "user_id", s.UserID, "flow_id", s.ID, "person_id", s.PersonID)
			return s, &Response{Text: fmt.Sprintf("Deleted %s and all of their transactions.", s.PersonName), Done: true}, nil
		}

		p, err := e.store.RenamePerson(ctx, s.PersonID, s.NewName)
		switch {
		case errors.Is(err, ledger.ErrDuplicateName), errors.Is(err, ledger.ErrInvalidName):
			taken := s.NewName
			s.NewName = ""
			s.Step = StepNewName
			return s, nil, &stepConflict{next: s, reason: fmt.Sprintf("%s is already taken. Send a different name.", taken)}
		case errors.Is(err, ledger.ErrPersonNotFound):
			return s, gone(s.PersonName), nil
		case err != nil:
			return s, nil, err
		}
		e.logger.Info(ctx, "person renamed", "user_id", s.UserID, "flow_id", s.ID, "person_id", s.PersonID)
		return s, &Response{Text: fmt.Sprintf("Renamed %s to %s.", s.PersonName, p.Name), Done: true}, nil
	}
	return s, nil, fmt.Errorf("flow %s has nothing to commit", s.Flow)
}

// stepConflict rejects a commit and moves the flow back to an earlier step.
type stepConflict struct {
	next   Session
	reason string
}

func (c *stepConflict) Error() string { return c.reason }

func (e *Engine) fail(ctx context.Context, s Session, err error) Response {
	var conflict *stepConflict
	if errors.As(err, &conflict) {
		next := conflict.next
		next.UpdatedAt = e.now()
		e.save(next)
		return e.prompt(next, invalid(next.Step, conflict.reason))
	}

	e.drop(s.UserID)
	metrics.FlowsTotal.WithLabelValues(string(s.Flow), "failed").Inc()
	e.logger.Error(ctx, "flow failed",
		"op", string(s.Step), "user_id", s.UserID, "flow", s.Flow, "flow_id", s.ID,
		"person_id", s.PersonID, "err", err)
	return Response{Text: genericFailure, Done: true}
}

func (e *Engine) save(s Session) {
	e.sessions.Put(s)
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
}

func (e *Engine) drop(userID int64) {
	e.sessions.Delete(userID)
	metrics.ActiveSessions.Set(float64(e.sessions.Len()))
}

func firstStep(f Flow) Step {
	switch f {
	case FlowAddPerson:
		return StepName
	case FlowExport:
		return StepScope
	}
	return StepPerson
}

func personName(step Step, input string) (string, error) {
	name := ledger.NormalizeName(input)
	if name == "" {
		return "", invalid(step, "The name cannot be empty.")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", invalid(step, fmt.Sprintf("Names are limited to %d characters.", maxNameLen))
	}
	return name, nil
}

func description(input string) (string, error) {
	input = strings.TrimSpace(input)
	if isSkip(input) {
		return "", nil
	}
	if utf8.RuneCountInString(input) > maxDescription {
		return "", invalid(StepDescription, fmt.Sprintf("Descriptions are limited to %d characters.", maxDescription))
	}
	return input, nil
}

func parseScope(input string) (ledger.ExportScope, bool) {
	switch normalizeWord(input) {
	case "all":
		return ledger.ScopeAll, true
	case "debts", "debt":
		return ledger.ScopeDebts, true
	case "payments", "payment":
		return ledger.ScopePayments, true
	case "person", "one":
		return ledger.ScopePerson, true
	}
	return "", false
}

func gone(name string) *Response {
	return &Response{Text: fmt.Sprintf("%s no longer exists. Nothing was changed.", name), Done: true}
}
