package service

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apimocker/pkg/model"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func upstream(hits *atomic.Int32) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hits.Add(1)
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Status:     "202 Accepted",
			Proto:      "HTTP/1.1",
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("from upstream")),
			Request:    r,
		}, nil
	})
}

func get(t *testing.T, c *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestHookClient_MocksAndRecords(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	rule := jsonRule("user", "/api/user", model.MatchExact)
	rule.StatusCode = http.StatusCreated
	rule.ResponseBody = `{"mocked":true}`
	saved, err := s.SaveRule(ctx, rule)
	require.NoError(t, err)

	var hits atomic.Int32
	client, closeHook := s.HookClient(upstream(&hits), model.SessionConfig{LookupTimeoutMS: 1000, BodySizeThreshold: 4})

	code, body := get(t, client, "https://example.com/api/user")
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, `{"mocked":true}`, body)
	assert.Equal(t, int32(0), hits.Load())

	code, body = get(t, client, "https://example.com/other")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "from upstream", body)
	assert.Equal(t, int32(1), hits.Load())

	closeHook()

	recs, err := s.ListRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byURL := map[string]model.RequestRecord{}
	for _, r := range recs {
		byURL[r.URL] = r
	}
	mocked := byURL["https://example.com/api/user"]
	assert.True(t, mocked.IsMocked)
	assert.Equal(t, saved.ID, mocked.RuleID)
	assert.Equal(t, `{"mo`, mocked.ResponseBody)

	passed := byURL["https://example.com/other"]
	assert.False(t, passed.IsMocked)
	assert.Equal(t, http.StatusAccepted, passed.StatusCode)
	assert.Equal(t, "from", passed.ResponseBody)
}

func TestHookClient_NetworkModePassesThrough(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	_, err := s.SaveRule(ctx, jsonRule("user", "/api/user", model.MatchExact))
	require.NoError(t, err)
	g, err := s.GetGlobalConfig(ctx)
	require.NoError(t, err)
	g.InterceptMode = model.ModeNetwork
	require.NoError(t, s.SaveGlobalConfig(ctx, g))

	var hits atomic.Int32
	client, closeHook := s.HookClient(upstream(&hits), model.SessionConfig{LookupTimeoutMS: 1000})
	defer closeHook()

	code, body := get(t, client, "https://example.com/api/user")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "from upstream", body)
	assert.Equal(t, int32(1), hits.Load())
}
