// Package pipeline is the stream driver: it pulls prompt messages off the
// subscription, keys them by user, hands them to the dispatcher, and
// publishes each reply to the message's reply destination. Failures are
// logged and skipped; the loop itself never crashes on a bad message.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chat-relay/internal/dedupe"
	"chat-relay/internal/dispatch"
	"chat-relay/internal/domain"
)

// ErrSourceClosed signals that the subscription is gone and the loop should
// end. Transport adapters map their own closed-connection errors to it.
var ErrSourceClosed = errors.New("pipeline: source closed")

// Message is the raw transport envelope before decoding.
type Message struct {
	Data  []byte
	Reply string
}

// Source yields inbound messages, blocking until one arrives or ctx is done.
type Source interface {
	Next(ctx context.Context) (Message, error)
}

// Publisher delivers a reply payload to a destination token.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Dispatcher is the keyed stateful stage consumed by the driver.
type Dispatcher interface {
	Dispatch(ctx context.Context, p domain.InboundPrompt) <-chan dispatch.Outcome
}

// inboundPayload is the wire shape of a prompt message.
type inboundPayload struct {
	UserID string `json:"user_id"`
	Prompt string `json:"prompt"`
	MsgID  string `json:"msg_id,omitempty"`
}

// Driver runs the receive-dispatch-publish loop.
type Driver struct {
	src  Source
	pub  Publisher
	disp Dispatcher
	seen *dedupe.Cache // nil disables duplicate suppression
	log  *slog.Logger

	wg sync.WaitGroup
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDedupe drops messages whose msg_id was already seen within the cache
// window. Messages without an ID always pass through.
func WithDedupe(c *dedupe.Cache) DriverOption {
	return func(d *Driver) {
		d.seen = c
	}
}

// New creates a Driver over the given transport endpoints and dispatcher.
func New(src Source, pub Publisher, disp Dispatcher, log *slog.Logger, opts ...DriverOption) (*Driver, error) {
	if src == nil {
		return nil, errors.New("pipeline: source must not be nil")
	}
	if pub == nil {
		return nil, errors.New("pipeline: publisher must not be nil")
	}
	if disp == nil {
		return nil, errors.New("pipeline: dispatcher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{src: src, pub: pub, disp: disp, log: log}, nil
}

// Run loops until ctx is cancelled or the source closes. Receiving and
// enqueueing happen on this goroutine, which is what preserves per-user
// arrival order; awaiting the outcome and publishing happen off it, so one
// user's completion latency does not block the next receive.
func (d *Driver) Run(ctx context.Context) error {
	defer d.wg.Wait()

	for {
		msg, err := d.src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, ErrSourceClosed) {
				return nil
			}
			// Transient receive failure; the subscription may recover.
			d.log.Error("receive failed", "err", err)
			continue
		}

		p, err := decode(msg)
		if err != nil {
			// Retrying a malformed message is meaningless: log and drop
			// without touching any conversation state.
			d.log.Error("dropping malformed message", "err", err, "reply_to", msg.Reply)
			continue
		}

		if p.MsgID != "" && d.seen != nil && d.seen.Seen(p.MsgID) {
			d.log.Warn("dropping duplicate message", "user_id", p.UserID, "msg_id", p.MsgID)
			continue
		}

		res := d.disp.Dispatch(ctx, p)
		d.wg.Add(1)
		go d.await(ctx, p, res)
	}
}

// await publishes the reply for one in-flight dispatch, or logs its failure.
// A failed dispatch publishes nothing: no partial reply ever goes out.
func (d *Driver) await(ctx context.Context, p domain.InboundPrompt, res <-chan dispatch.Outcome) {
	defer d.wg.Done()

	select {
	case o := <-res:
		if o.Err != nil {
			d.log.Error("dispatch failed", "user_id", p.UserID, "err", o.Err)
			return
		}
		if err := d.pub.Publish(o.Reply.ReplyTo, []byte(o.Reply.Text)); err != nil {
			d.log.Error("publish failed", "user_id", p.UserID, "reply_to", o.Reply.ReplyTo, "err", err)
		}
	case <-ctx.Done():
	}
}

// decode validates the envelope and payload into an InboundPrompt.
func decode(msg Message) (domain.InboundPrompt, error) {
	if strings.TrimSpace(msg.Reply) == "" {
		return domain.InboundPrompt{}, errors.New("pipeline: message has no reply destination")
	}
	var payload inboundPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return domain.InboundPrompt{}, errors.New("pipeline: undecodable payload: " + err.Error())
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return domain.InboundPrompt{}, errors.New("pipeline: payload missing user_id")
	}
	return domain.InboundPrompt{
		UserID:  payload.UserID,
		Text:    payload.Prompt,
		ReplyTo: msg.Reply,
		MsgID:   payload.MsgID,
	}, nil
}
