package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apimocker/internal/protocol"
	"apimocker/pkg/model"
)

type staticSource struct {
	cfg   model.InterceptorConfig
	delay time.Duration
	calls atomic.Int32
}

func (s *staticSource) GetConfig(ctx context.Context) (model.InterceptorConfig, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.cfg, nil
}

type memorySink struct {
	mu   sync.Mutex
	recs []model.RequestRecord
}

func (s *memorySink) AddRecord(ctx context.Context, rec model.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memorySink) all() []model.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RequestRecord(nil), s.recs...)
}

// blockingSink 在 release 关闭前阻塞每次写入
type blockingSink struct {
	release chan struct{}
	started atomic.Int32
}

func (s *blockingSink) AddRecord(ctx context.Context, rec model.RequestRecord) error {
	s.started.Add(1)
	<-s.release
	return nil
}

type countingInstaller struct{ calls atomic.Int32 }

func (c *countingInstaller) InstallScript(ctx context.Context, source string) error {
	c.calls.Add(1)
	return nil
}

func userRule() model.MockRule {
	return model.MockRule{
		ID: "r1", Name: "user", Enabled: true,
		URL: "/api/user", MatchType: model.MatchExact, Method: model.MethodGet,
		StatusCode: 200, ResponseBody: `{"ok":true}`, ResponseType: model.ResponseJSON,
	}
}

func newPair(t *testing.T, src ConfigSource, sink RecordSink) (*Bus, *Bridge, *Client) {
	t.Helper()
	bus := NewBus()
	b := New(Options{Channel: bus, Source: src, Sink: sink})
	c := NewClient(bus, time.Second, nil)
	t.Cleanup(func() {
		c.Close()
		b.Close()
		_ = bus.Close()
	})
	return bus, b, c
}

func TestQueryRule_RoundTrip(t *testing.T) {
	src := &staticSource{cfg: model.InterceptorConfig{Enabled: true, InterceptMode: model.ModePage, Rules: []model.MockRule{userRule()}}}
	_, _, c := newPair(t, src, nil)

	rule := c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"})
	require.NotNil(t, rule)
	assert.Equal(t, model.RuleID("r1"), rule.ID)
	assert.Equal(t, `{"ok":true}`, rule.ResponseBody)

	assert.Nil(t, c.QueryRule(context.Background(), protocol.Query{URL: "/api/other", Method: "GET"}))
	assert.Equal(t, 0, c.Pending())
}

func TestQueryRule_DisabledConfigAnswersNull(t *testing.T) {
	src := &staticSource{cfg: model.InterceptorConfig{Enabled: false, InterceptMode: model.ModePage, Rules: []model.MockRule{userRule()}}}
	_, _, c := newPair(t, src, nil)
	assert.Nil(t, c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"}))
}

func TestQueryRule_TimeoutFailsOpen(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	c := NewClient(bus, 50*time.Millisecond, nil)
	defer c.Close()

	start := time.Now()
	assert.Nil(t, c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"}))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestQueryRule_OutOfOrderResponses(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	c := NewClient(bus, time.Second, nil)
	defer c.Close()

	reqs := make(chan protocol.Query, 2)
	cancel := bus.Subscribe(func(msg []byte) {
		if protocol.TypeOf(msg) != protocol.TypeRequest {
			return
		}
		q, err := protocol.DecodeRequest(msg)
		if err == nil {
			reqs <- q
		}
	})
	defer cancel()

	results := make(map[string]model.RuleID)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range []string{"/a", "/b"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			r := c.QueryRule(context.Background(), protocol.Query{URL: u, Method: "GET"})
			mu.Lock()
			defer mu.Unlock()
			if r != nil {
				results[u] = r.ID
			}
		}(u)
	}

	first, second := <-reqs, <-reqs
	for _, q := range []protocol.Query{second, first} {
		msg, err := protocol.EncodeResponse(q.ID, &model.MockRule{ID: model.RuleID(q.URL), Enabled: true})
		require.NoError(t, err)
		require.NoError(t, bus.Post(msg))
	}
	wg.Wait()

	assert.Equal(t, map[string]model.RuleID{"/a": "/a", "/b": "/b"}, results)
}

func TestBridge_LazyLoadOnce(t *testing.T) {
	src := &staticSource{
		cfg:   model.InterceptorConfig{Enabled: true, InterceptMode: model.ModePage, Rules: []model.MockRule{userRule()}},
		delay: 50 * time.Millisecond,
	}
	_, _, c := newPair(t, src, nil)

	var wg sync.WaitGroup
	var hits atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"}) != nil {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestBridge_PushReplacesSnapshot(t *testing.T) {
	src := &staticSource{cfg: model.DefaultInterceptorConfig()}
	bus, b, c := newPair(t, src, nil)

	modes := make(chan model.ModeState, 4)
	cancel := bus.Subscribe(func(msg []byte) {
		if protocol.TypeOf(msg) == protocol.TypeSetMode {
			s, err := protocol.DecodeSetMode(msg)
			if err == nil {
				modes <- s
			}
		}
	})
	defer cancel()

	require.NoError(t, b.ApplyConfig(model.InterceptorConfig{Enabled: true, InterceptMode: model.ModeNetwork, Rules: []model.MockRule{userRule()}}))

	select {
	case s := <-modes:
		assert.Equal(t, model.ModeState{Enabled: true, InterceptMode: model.ModeNetwork}, s)
	case <-time.After(time.Second):
		t.Fatal("no SET_MODE message")
	}

	rule := c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"})
	require.NotNil(t, rule)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestBridge_IgnoresUnknownMessages(t *testing.T) {
	src := &staticSource{cfg: model.InterceptorConfig{Enabled: true, InterceptMode: model.ModePage, Rules: []model.MockRule{userRule()}}}
	bus, _, c := newPair(t, src, nil)

	require.NoError(t, bus.Post([]byte(`{"type":"webpackHotUpdate","hash":"abc"}`)))
	require.NoError(t, bus.Post([]byte(`not json at all`)))
	require.NoError(t, bus.Post([]byte(`{"type":"API_MOCKER_RESPONSE","id":"nobody","rule":null}`)))

	assert.NotNil(t, c.QueryRule(context.Background(), protocol.Query{URL: "/api/user", Method: "GET"}))
}

func TestBridge_RelaysRecords(t *testing.T) {
	sink := &memorySink{}
	bus, _, _ := newPair(t, &staticSource{cfg: model.DefaultInterceptorConfig()}, sink)

	msg, err := protocol.EncodeRecord(protocol.RecordPayload{URL: "/api/user", Method: "GET", IsMocked: true, RuleID: "r1", ResponseBody: "hello"})
	require.NoError(t, err)
	require.NoError(t, bus.Post(msg))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)
	rec := sink.all()[0]
	assert.NotEmpty(t, rec.ID)
	assert.NotZero(t, rec.Timestamp)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, int64(5), rec.Size)
	assert.True(t, rec.IsMocked)
	assert.Equal(t, model.RuleID("r1"), rec.RuleID)
}

func TestBridge_SlowRecordDoesNotDelayAnswers(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	cfg := model.DefaultInterceptorConfig()
	cfg.Rules = []model.MockRule{userRule()}
	bus, _, c := newPair(t, &staticSource{cfg: cfg}, sink)
	t.Cleanup(func() { close(sink.release) })

	msg, err := protocol.EncodeRecord(protocol.RecordPayload{URL: "/api/other", Method: "GET"})
	require.NoError(t, err)
	require.NoError(t, bus.Post(msg))
	require.Eventually(t, func() bool { return sink.started.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	rule := c.QueryRule(context.Background(), protocol.Query{URL: "https://example.com/api/user", Method: "GET"})
	require.NotNil(t, rule)
	assert.Equal(t, model.RuleID("r1"), rule.ID)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBridge_RecordBodiesClipped(t *testing.T) {
	sink := &memorySink{}
	bus := NewBus()
	b := New(Options{Channel: bus, Source: &staticSource{cfg: model.DefaultInterceptorConfig()}, Sink: sink, BodyLimit: 4})
	t.Cleanup(func() {
		b.Close()
		_ = bus.Close()
	})

	msg, err := protocol.EncodeRecord(protocol.RecordPayload{URL: "/upload", Method: "POST", RequestBody: "abcdefgh", ResponseBody: "0123456789"})
	require.NoError(t, err)
	require.NoError(t, bus.Post(msg))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)
	rec := sink.all()[0]
	assert.Equal(t, "abcd", rec.RequestBody)
	assert.Equal(t, "0123", rec.ResponseBody)
	assert.Equal(t, int64(10), rec.Size)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", Clip("abc", 0))
	assert.Equal(t, "abc", Clip("abc", 3))
	assert.Equal(t, "ab", Clip("abc", 2))
}

func TestBridge_InstallOnce(t *testing.T) {
	_, b, _ := newPair(t, nil, nil)
	inst := &countingInstaller{}
	require.NoError(t, b.Install(context.Background(), inst, "(() => {})()"))
	require.NoError(t, b.Install(context.Background(), inst, "(() => {})()"))
	assert.Equal(t, int32(1), inst.calls.Load())
}

func TestBus_OrderAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var got []string
	cancel := bus.Subscribe(func(msg []byte) {
		mu.Lock()
		got = append(got, string(msg))
		mu.Unlock()
	})
	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Post([]byte(m)))
	}
	require.NoError(t, bus.Close())
	cancel()

	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.ErrorIs(t, bus.Post([]byte("4")), ErrBridgeClosed)
}
