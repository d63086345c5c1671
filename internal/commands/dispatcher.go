// Package commands routes inbound chat messages. Each message is classified
// once as a command or as flow input; commands either answer directly from
// the ledger or start a conversation flow, and flow input goes to the
// user's active flow.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/susu3304/ledgerbot/internal/conversation"
	"github.com/susu3304/ledgerbot/internal/ledger"
	"github.com/susu3304/ledgerbot/internal/logging"
	"github.com/susu3304/ledgerbot/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	genericFailure = "Something went wrong. Please try again later."
	slowDown       = "You are sending messages too quickly. Some were ignored, please wait a moment."
	noFlowHint     = "I'm not waiting for anything right now. Send /help to see what I can do."
)

// Inbound is one message from a transport.
type Inbound struct {
	UserID    int64
	Text      string
	Transport string
}

// ReplyFunc delivers a response back through the transport that produced the
// message.
type ReplyFunc func(ctx context.Context, resp Response)

type Options struct {
	// HandlerTimeout bounds one message, store calls included. Zero means no
	// limit.
	HandlerTimeout time.Duration
	// RatePerSecond and RateBurst limit inbound messages per user. A
	// non-positive rate disables limiting.
	RatePerSecond float64
	RateBurst     int
}

type directFunc func(ctx context.Context, in Inbound, args string) (Response, error)

type job struct {
	in    Inbound
	reply ReplyFunc
	// preset skips handling and replies with this response.
	preset *Response
}

type userQueue struct {
	pending []job
}

type userLimiter struct {
	limiter *rate.Limiter
	warned  bool
}

type Dispatcher struct {
	engine *conversation.Engine
	store  ledger.Store
	logger logging.Logger
	opts   Options
	direct map[string]directFunc
	now    func() time.Time

	mu       sync.Mutex
	queues   map[int64]*userQueue
	limiters map[int64]*userLimiter
	wg       sync.WaitGroup
}

func NewDispatcher(engine *conversation.Engine, store ledger.Store, logger logging.Logger, opts Options) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		store:    store,
		logger:   logger.With("component", "dispatcher"),
		opts:     opts,
		queues:   make(map[int64]*userQueue),
		limiters: make(map[int64]*userLimiter),
		now:      time.Now,
	}
	d.direct = map[string]directFunc{
		"start":     d.help,
		"help":      d.help,
		"people":    d.people,
		"balance":   d.balance,
		"dashboard": d.dashboard,
		"search":    d.search,
		"language":  d.language,
	}
	return d
}

// Handle routes one message synchronously.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) Response {
	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	input := Classify(in.Text)
	kind := input.Kind.String()
	defer func() {
		metrics.MessagesTotal.WithLabelValues(in.Transport, kind).Inc()
		metrics.HandlerDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	if input.Kind == KindFlowInput {
		if resp, ok := d.engine.Handle(ctx, in.UserID, input.Text); ok {
			return resp
		}
		return Response{Text: noFlowHint}
	}
	return d.command(ctx, in, input)
}

func (d *Dispatcher) command(ctx context.Context, in Inbound, input Input) Response {
	switch input.Name {
	case "cancel":
		return d.engine.Cancel(ctx, in.UserID)
	case "skip":
		if resp, ok := d.engine.Handle(ctx, in.UserID, "/skip"); ok {
			return resp
		}
		return Response{Text: "Nothing to skip."}
	}

	if def, ok := lookup(input.Name); ok && def.Flow != "" {
		return d.engine.Start(ctx, in.UserID, def.Flow, input.Args)
	}

	fn, ok := d.direct[input.Name]
	if !ok {
		return Response{Text: fmt.Sprintf("Unknown command /%s. Send /help for the list.", input.Name)}
	}
	resp, err := fn(ctx, in, input.Args)
	if err != nil {
		d.logger.Error(ctx, "command failed", "op", input.Name, "user_id", in.UserID, "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{Text: "That took too long. Please try again."}
		}
		return Response{Text: genericFailure}
	}
	return resp
}

// Submit queues a message for asynchronous handling. Messages from one user
// are handled one at a time in arrival order; different users run in
// parallel. Floods beyond the per-user rate are dropped with a single
// warning. Submit reports whether the message was accepted.
func (d *Dispatcher) Submit(ctx context.Context, in Inbound, reply ReplyFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	j := job{in: in, reply: reply}
	if allowed, warn := d.allowLocked(in.UserID); !allowed {
		metrics.RateLimitedTotal.Inc()
		if !warn {
			return false
		}
		d.logger.Warn(ctx, "rate limited", "user_id", in.UserID, "transport", in.Transport)
		j.preset = &Response{Text: slowDown}
		d.enqueueLocked(ctx, j)
		return false
	}
	d.enqueueLocked(ctx, j)
	return true
}

// Wait blocks until every queued message has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// PruneLimiters forgets the rate limiters of idle users: nothing queued and
// a refilled bucket, which behaves exactly like a new limiter. It returns how
// many were removed.
func (d *Dispatcher) PruneLimiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for id, ul := range d.limiters {
		if _, busy := d.queues[id]; busy {
			continue
		}
		if ul.limiter.TokensAt(now) >= float64(ul.limiter.Burst()) {
			delete(d.limiters, id)
			n++
		}
	}
	return n
}

func (d *Dispatcher) allowLocked(userID int64) (allowed, warn bool) {
	if d.opts.RatePerSecond <= 0 {
		return true, false
	}
	ul, ok := d.limiters[userID]
	if !ok {
		burst := d.opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), burst)}
		d.limiters[userID] = ul
	}
	if ul.limiter.Allow() {
		ul.warned = false
		return true, false
	}
	if ul.warned {
		return false, false
	}
	ul.warned = true
	return false, true
}

func (d *Dispatcher) enqueueLocked(ctx context.Context, j job) {
	q, running := d.queues[j.in.UserID]
	if !running {
		q = &userQueue{}
		d.queues[j.in.UserID] = q
	}
	q.pending = append(q.pending, j)
	if !running {
		d.wg.Add(1)
		go d.drain(ctx, j.in.UserID, q)
	}
}

// drain handles q until it is empty, then retires it.
func (d *Dispatcher) drain(ctx context.Context, userID int64, q *userQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, userID)
			d.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		var resp Response
		if j.preset != nil {
			resp = *j.preset
		} else {
			resp = d.Handle(ctx, j.in)
		}
		if j.reply != nil {
			j.reply(ctx, resp)
		}
	}
}
