// Package dispatch routes inbound prompts to per-user conversation state and
// produces exactly one reply per successfully completed prompt. Every user
// gets a dedicated worker goroutine with a FIFO mailbox, so a user's turns
// are processed strictly in arrival order while distinct users proceed
// independently; one user's backoff delay never stalls another's messages.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chat-relay/internal/conversation"
	"chat-relay/internal/domain"
)

const defaultMailboxSize = 64

// Completer is the completion call consumed by the dispatcher. The openai
// client satisfies it; rate-limit retry lives behind this seam.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Outcome is the result of one dispatched prompt. Exactly one of Reply and
// Err is meaningful.
type Outcome struct {
	Reply domain.OutboundReply
	Err   error
}

type task struct {
	ctx    context.Context
	prompt domain.InboundPrompt
	out    chan<- Outcome
}

type worker struct {
	mailbox chan task
}

// Dispatcher owns the map from user ID to conversation worker. State for a
// user is touched only from that user's worker goroutine (single-writer per
// key); the store itself may still be shared with other processes when a
// persistent backend is configured.
type Dispatcher struct {
	store       conversation.Store
	llm         Completer
	log         *slog.Logger
	timeout     time.Duration // per-message deadline, 0 means none
	mailboxSize int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each render-complete-append cycle, including backoff
// delays inside the completion call. Zero keeps the unbounded default.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.timeout = d
	}
}

// WithMailboxSize bounds each user's queue of waiting messages. A full
// mailbox blocks Dispatch, pushing back on the caller.
func WithMailboxSize(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.mailboxSize = n
		}
	}
}

// New creates a Dispatcher over the given state store and completion client.
func New(store conversation.Store, llm Completer, log *slog.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("dispatch: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("dispatch: completer must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		store:       store,
		llm:         llm,
		log:         log,
		mailboxSize: defaultMailboxSize,
		workers:     make(map[string]*worker),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch enqueues the prompt on its user's worker and returns a channel
// that yields the single outcome. Enqueueing happens before Dispatch
// returns, so calls made in arrival order from one goroutine are processed
// in arrival order. The returned channel is buffered; abandoning it does not
// leak the worker.
func (d *Dispatcher) Dispatch(ctx context.Context, p domain.InboundPrompt) <-chan Outcome {
	out := make(chan Outcome, 1)

	if p.UserID == "" {
		out <- Outcome{Err: newError(ErrorMalformedMessage, "missing_user_id", "", nil)}
		return out
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		out <- Outcome{Err: newError(ErrorInternal, "dispatcher_closed", p.UserID, nil)}
		return out
	}
	w, ok := d.workers[p.UserID]
	if !ok {
		w = &worker{mailbox: make(chan task, d.mailboxSize)}
		d.workers[p.UserID] = w
		d.wg.Add(1)
		go d.run(p.UserID, w)
	}
	d.mu.Unlock()

	select {
	case w.mailbox <- task{ctx: ctx, prompt: p, out: out}:
	case <-ctx.Done():
		out <- Outcome{Err: newError(ErrorInternal, "enqueue_cancelled", p.UserID, ctx.Err())}
	case <-d.done:
		out <- Outcome{Err: newError(ErrorInternal, "dispatcher_closed", p.UserID, nil)}
	}
	return out
}

// Close stops all workers after their current message. Queued messages are
// dropped; their outcome channels never fire, so waiters must also select on
// their own context.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// run is the per-user worker loop: strictly serial, draining the mailbox in
// FIFO order.
func (d *Dispatcher) run(userID string, w *worker) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case t := <-w.mailbox:
			t.out <- d.process(t.ctx, t.prompt)
		}
	}
}

// process executes one turn: load history, render, complete, append. State
// advances only when the completion call succeeds, so a failed attempt
// leaves the transcript exactly as it was.
func (d *Dispatcher) process(ctx context.Context, p domain.InboundPrompt) Outcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	turns, err := d.store.History(ctx, p.UserID)
	if err != nil {
		return Outcome{Err: newError(ErrorInternal, "state_read_error", p.UserID, err)}
	}

	prompt := conversation.Render(turns, p.Text)

	response, err := d.llm.Complete(ctx, prompt)
	if err != nil {
		return Outcome{Err: classifyCompletionError(p.UserID, err)}
	}

	if err := d.store.AppendTurn(ctx, p.UserID, domain.Turn{Prompt: p.Text, Response: response}); err != nil {
		return Outcome{Err: newError(ErrorInternal, "state_write_error", p.UserID, err)}
	}

	return Outcome{Reply: domain.OutboundReply{ReplyTo: p.ReplyTo, Text: response}}
}

// httpStatusCoder is satisfied by the completion client's status errors.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// classifyCompletionError distinguishes an exhausted rate limit from other
// upstream failures. The client retries 429s internally, so one reaching
// here means the retry budget ran out.
func classifyCompletionError(userID string, err error) *Error {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, "completion_rate_limited", userID, err)
	}
	return newError(ErrorUpstream, "completion_error", userID, err)
}
