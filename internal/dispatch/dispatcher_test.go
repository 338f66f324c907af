package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/channel"
	"bitpart/internal/dedup"
	"bitpart/internal/domain"
	"bitpart/internal/interpreter"
	"bitpart/internal/memory"
	"bitpart/internal/registry"
	"bitpart/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixture struct {
	d        *Dispatcher
	hub      *channel.Loopback
	channels *channel.Manager
	ch       domain.Channel
	botID    string
	mem      *memory.Store
	convs    *memory.Conversations
	guard    *dedup.Guard
	events   *bus.EventBus
	bus      *bus.InMemoryBus

	calls  atomic.Int32
	mu     sync.Mutex
	script func(req domain.Request) (domain.Result, error)
}

func (f *fixture) setScript(fn func(req domain.Request) (domain.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = fn
}

func reply(text string) domain.Action {
	return domain.Action{Type: domain.ActionSend, Content: &domain.Content{Type: domain.ContentText, Text: text}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storage.OpenTest(t)
	f := &fixture{
		bus:    bus.New(16, testLogger()),
		events: bus.NewEventBus(testLogger()),
		mem:    memory.New(memory.Config{DB: db, Logger: testLogger()}),
		convs:  memory.NewConversations(db),
		hub:    channel.NewLoopback(),
	}
	var err error
	f.guard, err = dedup.New(dedup.Config{DB: db, SecurityLevel: domain.SecurityEncrypted, Logger: testLogger()})
	require.NoError(t, err)
	f.channels, err = channel.New(channel.Config{DB: db, Bus: f.bus, Dedup: f.guard, Logger: testLogger()})
	require.NoError(t, err)
	f.channels.Register(channel.KindLoopback, f.hub)
	t.Cleanup(f.channels.Close)
	reg := registry.New(registry.Config{DB: db, Channels: f.channels, Logger: testLogger()})

	f.botID, err = reg.Add(ctx, domain.BotConfig{Name: "test", DefaultFlow: "main", Flows: json.RawMessage(`{}`)})
	require.NoError(t, err)
	f.ch, err = f.channels.Create(ctx, f.botID, "", "+15550001")
	require.NoError(t, err)
	_, err = f.channels.Link(ctx, f.ch.ID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.channels.Running(f.ch.Account)) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.setScript(func(req domain.Request) (domain.Result, error) {
		return domain.Result{Actions: []domain.Action{reply("echo: " + req.Event.Text)}}, nil
	})
	interp := interpreter.Func(func(ctx context.Context, req domain.Request) (domain.Result, error) {
		f.calls.Add(1)
		f.mu.Lock()
		script := f.script
		f.mu.Unlock()
		return script(req)
	})

	f.d, err = New(Config{
		DB:                 db,
		Bus:                f.bus,
		Registry:           reg,
		Channels:           f.channels,
		Memory:             f.mem,
		Conversations:      f.convs,
		Dedup:              f.guard,
		Interpreter:        interp,
		Events:             f.events,
		SendRetries:        1,
		InterpreterRetries: 1,
		SendRatePerSecond:  1000,
		SendBurst:          100,
		RetryBase:          time.Millisecond,
		Logger:             testLogger(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) event(id, sender, text string) domain.InboundEvent {
	return domain.InboundEvent{
		ChannelID: f.ch.ID,
		Account:   f.ch.Account,
		MessageID: id,
		Sender:    domain.Address{Name: sender, DeviceID: 1},
		Content:   domain.Content{Type: domain.ContentText, Text: text},
		Timestamp: time.Now(),
	}
}

func TestHandle_RepliesAndRemembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setScript(func(req domain.Request) (domain.Result, error) {
		assert.Equal(t, "alice", req.UserID)
		assert.Equal(t, domain.SecurityEncrypted, req.Metadata.SecurityLevel)
		assert.True(t, req.Metadata.Secure)
		assert.NotEmpty(t, req.VersionID)
		v := domain.String(req.Event.Text)
		return domain.Result{Actions: []domain.Action{
			{Type: domain.ActionSetMemory, Key: "last", Value: &v},
			reply("got it"),
		}}, nil
	})

	out, err := f.d.Handle(ctx, f.event("100", "alice", "hello"))
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, out.State)
	require.Len(t, out.Results, 2)
	assert.Empty(t, out.Failed())
	assert.NotEmpty(t, out.Results[1].MessageID)

	sent := f.hub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.Recipient{Contact: "alice"}, sent[0].To)
	assert.Equal(t, "got it", sent[0].Message.Text)

	got, err := f.mem.Get(ctx, f.botID, "alice", "last")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.V)

	seen, err := f.guard.Seen(ctx, f.ch.ID, "100")
	require.NoError(t, err)
	assert.True(t, seen)

	// The memory is visible to the next invocation.
	f.setScript(func(req domain.Request) (domain.Result, error) {
		assert.Equal(t, "hello", req.Memory["last"].V)
		return domain.Result{}, nil
	})
	_, err = f.d.Handle(ctx, f.event("101", "alice", "again"))
	require.NoError(t, err)
	assert.Len(t, f.events.Replay(bus.EventMessageProcessed, time.Time{}), 2)
}

func TestHandle_DuplicateInvokesInterpreterOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event("200", "alice", "hi")

	_, err := f.d.Handle(ctx, ev)
	require.NoError(t, err)
	out, err := f.d.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, out.State)
	assert.ErrorIs(t, out.Reason, domain.ErrDuplicateMessage)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Len(t, f.hub.Sent(), 1)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ev := f.event("300", "alice", "hi")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Handle(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestHandle_SerializesPerUser(t *testing.T) {
	f := newFixture(t)
	var inFlight, peak atomic.Int32
	f.setScript(func(req domain.Request) (domain.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return domain.Result{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.d.Handle(context.Background(), f.event(fmt.Sprintf("s%d", i), "alice", "x"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(8), f.calls.Load())
	assert.Equal(t, int32(1), peak.Load(), "one conversation runs one message at a time")
}

func TestHandle_SendFailureIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.hub.FailSends(f.ch.Account, errors.New("connection reset"), -1)
	f.setScript(func(req domain.Request) (domain.Result, error) {
		v := domain.Int(1)
		return domain.Result{Actions: []domain.Action{
			reply("first"),
			{Type: domain.ActionSetMemory, Key: "count", Value: &v},
			reply("second"),
		}}, nil
	})

	out, err := f.d.Handle(ctx, f.event("400", "alice", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, out.State)
	failed := out.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, domain.KindSend, domain.KindOf(failed[0].Err))
	assert.Equal(t, ActionOK, out.Results[1].Status)

	_, err = f.mem.Get(ctx, f.botID, "alice", "count")
	assert.NoError(t, err, "memory is applied even when sends fail")
	assert.Len(t, f.events.Replay(bus.EventSendFailed, time.Time{}), 2)

	f.hub.FailSends(f.ch.Account, nil, 0)
	out, err = f.d.Handle(ctx, f.event("401", "alice", "hi"))
	require.NoError(t, err)
	assert.Empty(t, out.Failed())
}

func TestHandle_SendRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.hub.FailSends(f.ch.Account, errors.New("timeout"), 1)

	out, err := f.d.Handle(context.Background(), f.event("450", "alice", "hi"))
	require.NoError(t, err)
	assert.Empty(t, out.Failed())
	assert.Len(t, f.hub.Sent(), 1)
}

func TestHandle_InterpreterFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setScript(func(domain.Request) (domain.Result, error) {
		return domain.Result{}, domain.Retry(domain.KindInterpreter, "interpret", errors.New("502"))
	})
	out, err := f.d.Handle(ctx, f.event("500", "alice", "hi"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Retryable)
	assert.Equal(t, int32(2), f.calls.Load(), "retried once")
	seen, err := f.guard.Seen(ctx, f.ch.ID, "500")
	require.NoError(t, err)
	assert.False(t, seen, "retryable failures stay unacknowledged")

	f.setScript(func(domain.Request) (domain.Result, error) {
		return domain.Result{}, domain.E(domain.KindInterpreter, "interpret", errors.New("no such flow"))
	})
	out, err = f.d.Handle(ctx, f.event("501", "alice", "hi"))
	require.Error(t, err)
	assert.False(t, out.Retryable)
	seen, err = f.guard.Seen(ctx, f.ch.ID, "501")
	require.NoError(t, err)
	assert.True(t, seen, "terminal failures are acknowledged")

	out, err = f.d.Handle(ctx, f.event("501", "alice", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, out.State)
}

func TestHandle_DiscardsOwnMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local, err := f.channels.Local(ctx, f.ch.Account)
	require.NoError(t, err)

	out, err := f.d.Handle(ctx, f.event("600", local.ACI, "from my phone"))
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, out.State)
	assert.ErrorIs(t, out.Reason, ErrSelf)

	first, err := f.d.Handle(ctx, f.event("601", "alice", "hi"))
	require.NoError(t, err)
	echo := f.event(first.Results[0].MessageID, "alice", "echo: hi")
	out, err = f.d.Handle(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, out.State)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestHandle_GroupReplyGoesToGroup(t *testing.T) {
	f := newFixture(t)
	group := strings.Repeat("ab", 32)
	ev := f.event("700", "alice", "hi all")
	ev.GroupID = group

	out, err := f.d.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "group:"+group, out.UserID)
	sent := f.hub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.Recipient{Group: group}, sent[0].To)
}

func TestHandle_ConversationActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setScript(func(req domain.Request) (domain.Result, error) {
		assert.Nil(t, req.Conversation)
		return domain.Result{Actions: []domain.Action{
			{Type: domain.ActionGoto, StepID: "ask_name"},
			{Type: domain.ActionHold, Hold: json.RawMessage(`{"waiting":"name"}`)},
		}}, nil
	})
	_, err := f.d.Handle(ctx, f.event("800", "alice", "start"))
	require.NoError(t, err)

	conv, err := f.convs.Current(ctx, f.botID, f.ch.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "main", conv.FlowID)
	assert.Equal(t, "ask_name", conv.StepID)
	assert.JSONEq(t, `{"waiting":"name"}`, string(conv.Hold))

	f.setScript(func(req domain.Request) (domain.Result, error) {
		require.NotNil(t, req.Conversation)
		assert.Equal(t, "ask_name", req.Conversation.StepID)
		return domain.Result{Actions: []domain.Action{{Type: domain.ActionEndConversation}}}, nil
	})
	_, err = f.d.Handle(ctx, f.event("801", "alice", "Alice"))
	require.NoError(t, err)
	conv, err = f.convs.Current(ctx, f.botID, f.ch.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestHandle_InvalidActionIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.setScript(func(domain.Request) (domain.Result, error) {
		return domain.Result{Actions: []domain.Action{{Type: "teleport"}, reply("still here")}}, nil
	})
	out, err := f.d.Handle(context.Background(), f.event("900", "alice", "hi"))
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, out.Results[0].Status)
	assert.Equal(t, ActionOK, out.Results[1].Status)
	assert.Len(t, f.hub.Sent(), 1)
}

func TestHandle_MixedBatchFromHTTPInterpreter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"actions":[{"type":"send","content":{"content_type":"text","text":"hi"}},{"type":"delete_memory"}]}`))
	}))
	t.Cleanup(srv.Close)
	remote, err := interpreter.NewHTTP(interpreter.HTTPConfig{URL: srv.URL, Logger: testLogger()})
	require.NoError(t, err)

	f := newFixture(t)
	f.setScript(func(req domain.Request) (domain.Result, error) {
		return remote.Interpret(context.Background(), req)
	})
	out, err := f.d.Handle(context.Background(), f.event("950", "alice", "hello"))
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, out.State)
	require.Len(t, out.Results, 2)
	assert.Equal(t, ActionOK, out.Results[0].Status)
	assert.Equal(t, ActionFailed, out.Results[1].Status)
	assert.Equal(t, domain.KindInterpreter, domain.KindOf(out.Results[1].Err))

	sent := f.hub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Message.Text)
}

func TestHandle_EmptySendIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.setScript(func(domain.Request) (domain.Result, error) {
		return domain.Result{Actions: []domain.Action{
			{Type: domain.ActionSend, Content: &domain.Content{Type: domain.ContentText}},
			reply("after"),
		}}, nil
	})
	out, err := f.d.Handle(context.Background(), f.event("960", "alice", "hi"))
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, out.Results[0].Status)
	assert.Equal(t, ActionOK, out.Results[1].Status)

	sent := f.hub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "after", sent[0].Message.Text)
}

func TestHandle_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	ev := f.event("1000", "alice", "hi")
	ev.ChannelID = "gone"
	out, err := f.d.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.False(t, out.Retryable)
	assert.Zero(t, f.calls.Load())
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setScript(func(req domain.Request) (domain.Result, error) {
		assert.Equal(t, SocketChannel, req.Metadata.ChannelID)
		v := domain.Bool(true)
		return domain.Result{Actions: []domain.Action{
			{Type: domain.ActionSetMemory, Key: "chatted", Value: &v},
			reply("hi operator"),
		}}, nil
	})

	actions, err := f.d.Chat(ctx, f.botID, "operator", "hello")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "hi operator", actions[0].Content.Text)
	assert.Empty(t, f.hub.Sent(), "chat replies are returned, not sent")

	got, err := f.mem.Get(ctx, f.botID, "operator", "chatted")
	require.NoError(t, err)
	assert.Equal(t, true, got.V)

	_, err = f.d.Chat(ctx, "missing", "operator", "hello")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.d.SendMessage(ctx, f.botID, "bob", "announcement")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	sent := f.hub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].To.Contact)

	_, err = f.d.SendMessage(ctx, f.botID, "group:nothex", "x")
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))

	_, err = f.d.SendMessage(ctx, f.botID, "bob", "")
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))
	assert.Len(t, f.hub.Sent(), 1)
}

func TestRun_ConsumesBus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	require.NoError(t, f.hub.Deliver(ctx, f.ch.Account, domain.InboundEvent{
		MessageID: "1100",
		Sender:    domain.Address{Name: "carol", DeviceID: 1},
		Content:   domain.Content{Type: domain.ContentText, Text: "via bus"},
	}))
	require.Eventually(t, func() bool { return len(f.hub.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo: via bus", f.hub.Sent()[0].Message.Text)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
