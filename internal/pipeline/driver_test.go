package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/conversation"
	"chat-relay/internal/dedupe"
	"chat-relay/internal/dispatch"
	"chat-relay/internal/domain"
)

// queueSource feeds a fixed sequence of messages, then reports closure.
type queueSource struct {
	msgs []Message
	errs []error // optional errors interleaved before the messages run out
}

func (s *queueSource) Next(_ context.Context) (Message, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Message{}, err
	}
	if len(s.msgs) == 0 {
		return Message{}, ErrSourceClosed
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

// recordingPublisher captures every published reply.
type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.OutboundReply
	err       error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, domain.OutboundReply{ReplyTo: subject, Text: string(data)})
	return nil
}

func (p *recordingPublisher) replies() []domain.OutboundReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OutboundReply, len(p.published))
	copy(out, p.published)
	return out
}

// scriptedCompleter answers prompts from a map of expected transcript to
// response, failing on anything unexpected.
type scriptedCompleter struct {
	mu      sync.Mutex
	script  map[string]string
	prompts []string
	err     error
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	resp, ok := c.script[prompt]
	if !ok {
		return "", errors.New("unexpected prompt: " + prompt)
	}
	return resp, nil
}

func newTestDriver(t *testing.T, src Source, pub Publisher, llm dispatch.Completer, opts ...DriverOption) (*Driver, *conversation.MemoryStore) {
	t.Helper()
	store := conversation.NewMemoryStore()
	disp, err := dispatch.New(store, llm, nil)
	require.NoError(t, err)
	t.Cleanup(disp.Close)

	d, err := New(src, pub, disp, nil, opts...)
	require.NoError(t, err)
	return d, store
}

func runDriver(t *testing.T, d *Driver) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not drain the source")
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenario
// ---------------------------------------------------------------------------

func TestRun_TwoTurnConversation(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{
		"\nHuman: Hello\nAI:":                                  "Hi there",
		"Human: Hello\nAI:Hi there\nHuman: How are you?\nAI:": "Fine",
	}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"u1","prompt":"Hello"}`), Reply: "inbox.u1"},
		{Data: []byte(`{"user_id":"u1","prompt":"How are you?"}`), Reply: "inbox.u1"},
	}}
	pub := &recordingPublisher{}
	d, store := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	// Publishes run on independent goroutines, so only the set is stable.
	require.ElementsMatch(t, []domain.OutboundReply{
		{ReplyTo: "inbox.u1", Text: "Hi there"},
		{ReplyTo: "inbox.u1", Text: "Fine"},
	}, pub.replies())

	turns, err := store.History(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []domain.Turn{
		{Prompt: "Hello", Response: "Hi there"},
		{Prompt: "How are you?", Response: "Fine"},
	}, turns)
}

func TestRun_RepliesGoToEachMessagesReplyDestination(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{
		"\nHuman: hi\nAI:":  "hello a",
		"\nHuman: hey\nAI:": "hello b",
	}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"a","prompt":"hi"}`), Reply: "inbox.a"},
		{Data: []byte(`{"user_id":"b","prompt":"hey"}`), Reply: "inbox.b"},
	}}
	pub := &recordingPublisher{}
	d, _ := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	replies := pub.replies()
	require.Len(t, replies, 2, "exactly one reply per inbound prompt")
	byDest := map[string]string{}
	for _, r := range replies {
		byDest[r.ReplyTo] = r.Text
	}
	require.Equal(t, map[string]string{"inbox.a": "hello a", "inbox.b": "hello b"}, byDest)
}

// ---------------------------------------------------------------------------
// Failure policies
// ---------------------------------------------------------------------------

func TestRun_MalformedPayloadIsDroppedWithoutState(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{"\nHuman: ok\nAI:": "fine"}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{not json`), Reply: "inbox.x"},
		{Data: []byte(`{"prompt":"no user"}`), Reply: "inbox.y"},
		{Data: []byte(`{"user_id":"u1","prompt":"ok"}`), Reply: "inbox.u1"},
	}}
	pub := &recordingPublisher{}
	d, store := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	require.Equal(t, []domain.OutboundReply{{ReplyTo: "inbox.u1", Text: "fine"}}, pub.replies())
	require.Equal(t, 1, store.Users(), "malformed messages must not create conversation state")
}

func TestRun_MessageWithoutReplyDestinationIsDropped(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"u1","prompt":"hi"}`), Reply: ""},
	}}
	pub := &recordingPublisher{}
	d, store := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	require.Empty(t, pub.replies())
	require.Equal(t, 0, store.Users())
	require.Empty(t, llm.prompts, "an unroutable message must never reach the completion service")
}

func TestRun_UpstreamFailurePublishesNothingAndContinues(t *testing.T) {
	llm := &scriptedCompleter{err: errors.New("upstream down")}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"u1","prompt":"hi"}`), Reply: "inbox.u1"},
	}}
	pub := &recordingPublisher{}
	d, store := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	require.Empty(t, pub.replies(), "a failed dispatch must produce zero replies")
	turns, err := store.History(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestRun_TransientReceiveErrorDoesNotStopTheLoop(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{"\nHuman: hi\nAI:": "hello"}}
	src := &queueSource{
		errs: []error{errors.New("flaky transport")},
		msgs: []Message{
			{Data: []byte(`{"user_id":"u1","prompt":"hi"}`), Reply: "inbox.u1"},
		},
	}
	pub := &recordingPublisher{}
	d, _ := newTestDriver(t, src, pub, llm)

	runDriver(t, d)

	require.Len(t, pub.replies(), 1)
}

func TestRun_CancelledContextStopsTheLoop(t *testing.T) {
	blocking := &blockingSource{unblock: make(chan struct{})}
	defer close(blocking.unblock)
	pub := &recordingPublisher{}
	d, _ := newTestDriver(t, blocking, pub, &scriptedCompleter{script: map[string]string{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop on cancellation")
	}
}

// blockingSource blocks until its context is cancelled.
type blockingSource struct {
	unblock chan struct{}
}

func (s *blockingSource) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.unblock:
		return Message{}, ErrSourceClosed
	}
}

// ---------------------------------------------------------------------------
// Duplicate suppression
// ---------------------------------------------------------------------------

func TestRun_DuplicateMsgIDProducesOneReply(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{"\nHuman: hi\nAI:": "hello"}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"u1","prompt":"hi","msg_id":"m-1"}`), Reply: "inbox.u1"},
		{Data: []byte(`{"user_id":"u1","prompt":"hi","msg_id":"m-1"}`), Reply: "inbox.u1"},
	}}
	pub := &recordingPublisher{}
	d, store := newTestDriver(t, src, pub, llm, WithDedupe(dedupe.New(time.Minute, 100)))

	runDriver(t, d)

	require.Len(t, pub.replies(), 1, "a redelivered message must not produce a second reply")
	turns, err := store.History(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, turns, 1, "a redelivered message must not append a second turn")
}

func TestRun_MessagesWithoutMsgIDBypassDedupe(t *testing.T) {
	llm := &scriptedCompleter{script: map[string]string{
		"\nHuman: hi\nAI:":                     "hello",
		"Human: hi\nAI:hello\nHuman: hi\nAI:": "hello again",
	}}
	src := &queueSource{msgs: []Message{
		{Data: []byte(`{"user_id":"u1","prompt":"hi"}`), Reply: "inbox.u1"},
		{Data: []byte(`{"user_id":"u1","prompt":"hi"}`), Reply: "inbox.u1"},
	}}
	pub := &recordingPublisher{}
	d, _ := newTestDriver(t, src, pub, llm, WithDedupe(dedupe.New(time.Minute, 100)))

	runDriver(t, d)

	require.Len(t, pub.replies(), 2)
}
