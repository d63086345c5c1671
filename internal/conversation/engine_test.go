package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/ledgerbot/internal/db"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"github.com/susu3304/ledgerbot/internal/logging"
)

const user = int64(1001)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	store    *db.DB
	sessions *MemoryStore
	engine   *Engine
	clock    *fakeClock
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := db.New(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.RunMigrations(ctx))

	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	sessions := NewMemoryStore(30*time.Minute, clock.Now)
	return &testEnv{
		t:        t,
		ctx:      ctx,
		store:    store,
		sessions: sessions,
		engine:   NewEngine(store, sessions, logging.Discard(), WithClock(clock.Now)),
		clock:    clock,
	}
}

// run starts flow and feeds inputs in order, returning the last reply.
func (e *testEnv) run(flow Flow, args string, inputs ...string) Response {
	e.t.Helper()
	resp := e.engine.Start(e.ctx, user, flow, args)
	for _, in := range inputs {
		var ok bool
		resp, ok = e.engine.Handle(e.ctx, user, in)
		require.True(e.t, ok, "no active flow before input %q", in)
	}
	return resp
}

func (e *testEnv) addPerson(name string) ledger.Person {
	e.t.Helper()
	p, err := e.store.AddPerson(e.ctx, name)
	require.NoError(e.t, err)
	return p
}

func (e *testEnv) balance(id int64) decimal.Decimal {
	e.t.Helper()
	b, err := e.store.Balance(e.ctx, id)
	require.NoError(e.t, err)
	return b
}

// state captures everything a flow could mutate.
func (e *testEnv) state() string {
	e.t.Helper()
	people, err := e.store.ListPeople(e.ctx)
	require.NoError(e.t, err)
	rows, err := e.store.ExportTransactions(e.ctx, ledger.ExportFilter{Scope: ledger.ScopeAll})
	require.NoError(e.t, err)
	var b strings.Builder
	for _, p := range people {
		fmt.Fprintf(&b, "%d:%s:%s;", p.Person.ID, p.Person.Name, p.Balance)
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "%d:%d:%s:%s;", r.ID, r.PersonID, r.Amount, r.Description)
	}
	return b.String()
}

func (e *testEnv) step() Step {
	e.t.Helper()
	s, ok := e.engine.Active(user)
	require.True(e.t, ok, "expected an active flow")
	return s.Step
}

func TestAliceScenario(t *testing.T) {
	env := newEnv(t)

	resp := env.run(FlowAddPerson, "", "Alice")
	require.True(t, resp.Done)
	assert.Contains(t, resp.Text, "Added Alice")

	resp = env.run(FlowAddDebt, "", "Alice", "150", "Lunch", "yes")
	require.True(t, resp.Done)
	assert.Contains(t, resp.Text, "Balance: 150.00")

	resp = env.run(FlowRecordPayment, "", "alice", "50", "Partial refund", "y")
	require.True(t, resp.Done)
	assert.Contains(t, resp.Text, "Balance: 100.00")

	people, err := env.store.FindPeople(env.ctx, "Alice")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.True(t, env.balance(people[0].ID).Equal(decimal.NewFromInt(100)))

	hist, err := env.store.History(env.ctx, people[0].ID, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Amount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "Lunch", hist[0].Description)
	assert.True(t, hist[1].Amount.Equal(decimal.NewFromInt(-50)))
	assert.Equal(t, "Partial refund", hist[1].Description)

	resp = env.run(FlowHistory, "Alice", "/skip")
	require.True(t, resp.Done)
	lunch := strings.Index(resp.Text, "+150.00 Lunch")
	refund := strings.Index(resp.Text, "-50.00 Partial refund")
	require.NotEqual(t, -1, lunch, resp.Text)
	require.NotEqual(t, -1, refund, resp.Text)
	assert.Less(t, lunch, refund, "history is oldest first")
	assert.Contains(t, resp.Text, "Balance: 100.00")
}

func TestDebtThenPaymentNetsToZero(t *testing.T) {
	env := newEnv(t)
	p := env.addPerson("Bob")

	for _, amount := range []string{"12.34", "0.01", "999999.99"} {
		env.run(FlowAddDebt, "", "Bob", amount, "/skip", "yes")
		env.run(FlowRecordPayment, "", "Bob", amount, "/skip", "yes")
		assert.True(t, env.balance(p.ID).IsZero(), "after %s", amount)
	}
}

func TestSignConvention(t *testing.T) {
	a := decimal.RequireFromString("42.5")
	assert.True(t, FlowAddDebt.Signed(a).Equal(a))
	assert.True(t, FlowRecordPayment.Signed(a).Equal(a.Neg()))
	assert.True(t, FlowRecordPayment.Signed(a.Neg()).Equal(a.Neg()))
}

func TestCancelAtEveryStepNeverMutates(t *testing.T) {
	scripts := []struct {
		flow   Flow
		inputs []string
	}{
		{FlowAddPerson, nil},
		{FlowAddDebt, []string{"Alice", "10", "desc"}},
		{FlowRecordPayment, []string{"Alice", "10", "/skip"}},
		{FlowAddDebt, []string{"1 10 shortcut"}},
		{FlowHistory, []string{"Alice"}},
		{FlowManageContact, []string{"Alice", "rename", "Zed"}},
		{FlowManageContact, []string{"Alice", "delete"}},
		{FlowExport, []string{"person"}},
	}

	for i, sc := range scripts {
		for k := 0; k <= len(sc.inputs); k++ {
			t.Run(fmt.Sprintf("%s/script%d/step%d", sc.flow, i, k), func(t *testing.T) {
				env := newEnv(t)
				alice := env.addPerson("Alice")
				require.Equal(t, int64(1), alice.ID)
				_, _, err := env.store.RecordTransaction(env.ctx, alice.ID, decimal.NewFromInt(5), "seed")
				require.NoError(t, err)
				before := env.state()

				resp := env.run(sc.flow, "", sc.inputs[:k]...)
				require.False(t, resp.Done, resp.Text)

				resp = env.engine.Cancel(env.ctx, user)
				assert.True(t, resp.Done)
				_, active := env.engine.Active(user)
				assert.False(t, active)
				assert.Equal(t, before, env.state())
			})
		}
	}
}

func TestDeclineAtConfirmation(t *testing.T) {
	env := newEnv(t)
	p := env.addPerson("Carol")
	before := env.state()

	resp := env.run(FlowAddDebt, "", "Carol", "20", "/skip", "no")
	assert.True(t, resp.Done)
	assert.Equal(t, before, env.state())
	assert.True(t, env.balance(p.ID).IsZero())
}

func TestConfirmationRepromptsOnOtherInput(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Carol")

	resp := env.run(FlowAddDebt, "", "Carol", "20", "/skip", "maybe")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, "yes or no")
	assert.Equal(t, StepConfirm, env.step())
}

func TestAmbiguousSelectorReprompts(t *testing.T) {
	env := newEnv(t)
	alice := env.addPerson("Alice")
	env.addPerson("Alicia")

	resp := env.run(FlowAddDebt, "", "ali")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, "Several people match")
	assert.Contains(t, resp.Text, "#1 Alice")
	assert.Contains(t, resp.Text, "#2 Alicia")
	assert.Len(t, resp.Choices, 2)
	assert.Equal(t, StepPerson, env.step())

	resp, ok := env.engine.Handle(env.ctx, user, fmt.Sprintf("#%d", alice.ID))
	require.True(t, ok)
	assert.Equal(t, StepAmount, env.step())
	assert.Contains(t, resp.Text, "How much does Alice owe?")
}

func TestExactNameWinsOverSubstringMatches(t *testing.T) {
	env := newEnv(t)
	al := env.addPerson("Al")
	env.addPerson("Alice")

	resp := env.run(FlowAddDebt, "", "AL")
	assert.False(t, resp.Done)
	assert.Equal(t, StepAmount, env.step())
	assert.Contains(t, resp.Text, "How much does Al owe?")
	sess, ok := env.engine.Active(user)
	require.True(t, ok)
	assert.Equal(t, al.ID, sess.PersonID)

	resp = env.run(FlowAddDebt, "", "a")
	assert.Contains(t, resp.Text, "Several people match")
}

func TestUnknownSelectorReprompts(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Alice")

	resp := env.run(FlowHistory, "", "zed")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, `No one matches "zed"`)
	assert.Equal(t, StepPerson, env.step())
}

func TestInvalidAmountReprompts(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Dan")

	env.run(FlowAddDebt, "", "Dan")
	for _, bad := range []string{"abc", "0", "-5", "NaN", ""} {
		resp, ok := env.engine.Handle(env.ctx, user, bad)
		require.True(t, ok)
		assert.Contains(t, resp.Text, "not a valid amount", bad)
		assert.Equal(t, StepAmount, env.step())
	}
}

func TestShortcutEntry(t *testing.T) {
	env := newEnv(t)
	p := env.addPerson("Erin")

	resp := env.run(FlowRecordPayment, fmt.Sprintf("%d 25 coffee beans", p.ID))
	assert.Equal(t, StepConfirm, env.step())
	assert.Contains(t, resp.Text, "Record a payment of 25.00 from Erin (coffee beans)?")

	resp, _ = env.engine.Handle(env.ctx, user, "yes")
	assert.True(t, resp.Done)
	assert.True(t, env.balance(p.ID).Equal(decimal.NewFromInt(-25)))

	// Also accepted as the answer to the person prompt, without a description.
	env.run(FlowAddDebt, "", fmt.Sprintf("#%d 40", p.ID))
	assert.Equal(t, StepConfirm, env.step())
	env.engine.Handle(env.ctx, user, "yes")
	assert.True(t, env.balance(p.ID).Equal(decimal.NewFromInt(15)))

	resp = env.run(FlowAddDebt, "99 10 nobody")
	assert.Contains(t, resp.Text, "No person with ID #99")
	assert.Equal(t, StepPerson, env.step())
}

func TestAddPersonDuplicateStaysOnName(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Frank")

	resp := env.run(FlowAddPerson, "", "frank")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, "already exists")
	assert.Equal(t, StepName, env.step())

	resp, _ = env.engine.Handle(env.ctx, user, "Franklin")
	assert.True(t, resp.Done)
}

func TestRenameConflictReturnsToNewName(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Alice")
	bob := env.addPerson("Bob")

	resp := env.run(FlowManageContact, "", "Bob", "rename", "alice", "yes")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, "already taken")
	assert.Equal(t, StepNewName, env.step())

	got, err := env.store.GetPerson(env.ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Name)

	env.engine.Handle(env.ctx, user, "Robert")
	resp, _ = env.engine.Handle(env.ctx, user, "yes")
	assert.True(t, resp.Done)
	got, err = env.store.GetPerson(env.ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, "Robert", got.Name)
}

func TestDeleteContact(t *testing.T) {
	env := newEnv(t)
	p := env.addPerson("Gus")
	_, _, err := env.store.RecordTransaction(env.ctx, p.ID, decimal.NewFromInt(3), "")
	require.NoError(t, err)

	resp := env.run(FlowManageContact, "Gus", "delete", "yes")
	assert.True(t, resp.Done)
	assert.Contains(t, resp.Text, "Deleted Gus")

	found, err := env.store.FindPeople(env.ctx, "Gus")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestHistoryDateRangeValidation(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Hal")

	resp := env.run(FlowHistory, "Hal", "last week")
	assert.False(t, resp.Done)
	assert.Contains(t, resp.Text, "not a valid range")
	assert.Equal(t, StepDateRange, env.step())

	resp, _ = env.engine.Handle(env.ctx, user, "2024-01-01,2024-12-31")
	assert.True(t, resp.Done)
	assert.Contains(t, resp.Text, "No transactions.")
	assert.Contains(t, resp.Text, "from 2024-01-01 to 2024-12-31")
}

func TestExportFlow(t *testing.T) {
	env := newEnv(t)
	a := env.addPerson("Ann")
	b := env.addPerson("Ben")
	_, _, err := env.store.RecordTransaction(env.ctx, a.ID, decimal.NewFromInt(10), "x")
	require.NoError(t, err)
	_, _, err = env.store.RecordTransaction(env.ctx, b.ID, decimal.NewFromInt(-4), "y")
	require.NoError(t, err)

	resp := env.run(FlowExport, "", "debts")
	require.True(t, resp.Done)
	require.NotNil(t, resp.Attachment)
	assert.Equal(t, "transactions-20240601-090000.csv", resp.Attachment.Name)
	lines := strings.Split(strings.TrimSpace(string(resp.Attachment.Data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,person,amount,description,created_at", lines[0])
	assert.Contains(t, lines[1], "Ann,10.00,x")

	resp = env.run(FlowExport, "person", "Ben")
	require.NotNil(t, resp.Attachment)
	assert.Contains(t, string(resp.Attachment.Data), "Ben,-4.00,y")

	resp = env.run(FlowExport, "", "sometimes")
	assert.False(t, resp.Done)
	assert.Equal(t, StepScope, env.step())
}

func TestStartDiscardsPreviousFlow(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Ivy")

	env.run(FlowAddDebt, "", "Ivy", "5")
	first, _ := env.engine.Active(user)

	env.run(FlowHistory, "")
	second, ok := env.engine.Active(user)
	require.True(t, ok)
	assert.Equal(t, FlowHistory, second.Flow)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, env.sessions.Len())
}

func TestIdleSessionExpires(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Jay")

	env.run(FlowAddDebt, "", "Jay")
	env.clock.Advance(31 * time.Minute)

	_, ok := env.engine.Handle(env.ctx, user, "10")
	assert.False(t, ok)
	assert.Zero(t, env.sessions.Len())
}

func TestHandleWithoutFlow(t *testing.T) {
	env := newEnv(t)
	_, ok := env.engine.Handle(env.ctx, user, "hello")
	assert.False(t, ok)

	resp := env.engine.Cancel(env.ctx, user)
	assert.Contains(t, resp.Text, "Nothing to cancel")
}

type failingStore struct {
	ledger.Store
}

func (failingStore) RecordTransaction(context.Context, int64, decimal.Decimal, string) (ledger.Transaction, decimal.Decimal, error) {
	return ledger.Transaction{}, decimal.Zero, fmt.Errorf("record: %w: %w", ledger.ErrStorage, errors.New("disk I/O error"))
}

func TestStorageFailureEndsFlow(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Kim")
	env.engine = NewEngine(failingStore{Store: env.store}, env.sessions, logging.Discard(), WithClock(env.clock.Now))

	resp := env.run(FlowAddDebt, "", "Kim", "10", "/skip", "yes")
	assert.True(t, resp.Done)
	assert.Equal(t, genericFailure, resp.Text)
	_, active := env.engine.Active(user)
	assert.False(t, active)
}

func TestUsersAreIndependent(t *testing.T) {
	env := newEnv(t)
	env.addPerson("Lee")

	env.engine.Start(env.ctx, 1, FlowAddDebt, "Lee")
	env.engine.Start(env.ctx, 2, FlowHistory, "")

	s1, ok := env.engine.Active(1)
	require.True(t, ok)
	s2, ok := env.engine.Active(2)
	require.True(t, ok)
	assert.Equal(t, StepAmount, s1.Step)
	assert.Equal(t, StepPerson, s2.Step)

	env.engine.Cancel(env.ctx, 2)
	_, ok = env.engine.Active(1)
	assert.True(t, ok)
}
