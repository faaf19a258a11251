package cdp

import (
	"context"
	"errors"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/runtime"
)

type fakeFetch struct {
	mu        sync.Mutex
	enabled   int
	disabled  int
	continued []fetch.RequestID
	fulfilled []*fetch.FulfillRequestArgs
}

func (f *fakeFetch) Enable(ctx context.Context, args *fetch.EnableArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled++
	return nil
}

func (f *fakeFetch) Disable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled++
	return nil
}

func (f *fakeFetch) RequestPaused(ctx context.Context) (fetch.RequestPausedClient, error) {
	return &idlePausedStream{ctx: ctx}, nil
}

func (f *fakeFetch) ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, args.RequestID)
	return nil
}

func (f *fakeFetch) FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

func (f *fakeFetch) counts() (enabled, disabled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, f.disabled
}

func (f *fakeFetch) results() ([]fetch.RequestID, []*fetch.FulfillRequestArgs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetch.RequestID(nil), f.continued...), append([]*fetch.FulfillRequestArgs(nil), f.fulfilled...)
}

// idlePausedStream 不产生事件，直到上下文取消
type idlePausedStream struct {
	fetch.RequestPausedClient
	ctx context.Context
}

func (s *idlePausedStream) Recv() (*fetch.RequestPausedReply, error) {
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s *idlePausedStream) Close() error { return nil }

type fakeRuntime struct {
	mu          sync.Mutex
	bindings    []string
	expressions []string
	exception   bool
	stream      *bindingStream
	contexts    *contextStream
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		stream:   &bindingStream{ch: make(chan *runtime.BindingCalledReply, 16)},
		contexts: &contextStream{ch: make(chan *runtime.ExecutionContextCreatedReply, 16)},
	}
}

func (r *fakeRuntime) ExecutionContextCreated(ctx context.Context) (runtime.ExecutionContextCreatedClient, error) {
	return r.contexts, nil
}

func (r *fakeRuntime) Enable(ctx context.Context) error { return nil }

func (r *fakeRuntime) AddBinding(ctx context.Context, args *runtime.AddBindingArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, args.Name)
	return nil
}

func (r *fakeRuntime) BindingCalled(ctx context.Context) (runtime.BindingCalledClient, error) {
	return r.stream, nil
}

func (r *fakeRuntime) Evaluate(ctx context.Context, args *runtime.EvaluateArgs) (*runtime.EvaluateReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expressions = append(r.expressions, args.Expression)
	if r.exception {
		return &runtime.EvaluateReply{ExceptionDetails: &runtime.ExceptionDetails{Text: "Uncaught"}}, nil
	}
	return &runtime.EvaluateReply{}, nil
}

func (r *fakeRuntime) evaluated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expressions...)
}

// bindingStream 页面调用绑定函数的模拟事件流
type bindingStream struct {
	runtime.BindingCalledClient
	ch chan *runtime.BindingCalledReply
}

func (s *bindingStream) Recv() (*runtime.BindingCalledReply, error) {
	ev, ok := <-s.ch
	if !ok {
		return nil, errors.New("stream closed")
	}
	return ev, nil
}

func (s *bindingStream) Close() error { return nil }

func (s *bindingStream) call(name, payload string) {
	s.ch <- &runtime.BindingCalledReply{Name: name, Payload: payload}
}

// contextStream 执行上下文创建的模拟事件流
type contextStream struct {
	runtime.ExecutionContextCreatedClient
	ch chan *runtime.ExecutionContextCreatedReply
}

func (s *contextStream) Recv() (*runtime.ExecutionContextCreatedReply, error) {
	ev, ok := <-s.ch
	if !ok {
		return nil, errors.New("stream closed")
	}
	return ev, nil
}

func (s *contextStream) Close() error { return nil }

func (s *contextStream) created(auxData string) {
	s.ch <- &runtime.ExecutionContextCreatedReply{
		Context: runtime.ExecutionContextDescription{AuxData: []byte(auxData)},
	}
}
