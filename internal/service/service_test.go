package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apimocker/internal/logger"
	"apimocker/internal/session"
	"apimocker/internal/storage"
	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

var errNoBrowser = errors.New("no browser")

type stubAttacher struct {
	targets []model.TargetInfo
	closed  bool
}

func (a *stubAttacher) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	return a.targets, nil
}

func (a *stubAttacher) Attach(ctx context.Context, id model.TargetID) (session.Endpoint, error) {
	return nil, errNoBrowser
}

func (a *stubAttacher) Detach(id model.TargetID) error { return nil }

func (a *stubAttacher) OnTargetClosed(fn func(model.TargetID)) {}

func (a *stubAttacher) Close() { a.closed = true }

func newService(t *testing.T) (*Service, *stubAttacher) {
	t.Helper()
	db, err := storage.Open(":memory:", "svc_", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	att := &stubAttacher{targets: []model.TargetInfo{{ID: "T1", Type: "page", URL: "https://example.com"}}}
	s := New(storage.NewStore(db, nil), func(cfg model.SessionConfig, l logger.Logger) session.Attacher {
		return att
	}, nil)
	t.Cleanup(s.Close)
	return s, att
}

func jsonRule(name, url string, mt model.MatchType) model.MockRule {
	return model.MockRule{
		Name: name, Enabled: true, URL: url, MatchType: mt, Method: model.MethodAll,
		StatusCode: 200, ResponseType: model.ResponseJSON, ResponseBody: `{}`,
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, att := newService(t)
	ctx := context.Background()

	_, err := s.StartSession(model.SessionConfig{})
	assert.ErrorIs(t, err, ErrInvalidSessionConfig)

	id, err := s.StartSession(model.SessionConfig{DevToolsURL: "http://127.0.0.1:9222"})
	require.NoError(t, err)
	assert.Equal(t, []model.SessionID{id}, s.ListSessions())

	targets, err := s.ListTargets(ctx, id)
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	_, err = s.AttachTarget(ctx, id, "T1")
	assert.ErrorIs(t, err, errNoBrowser)

	require.NoError(t, s.StopSession(id))
	assert.True(t, att.closed)
	assert.ErrorIs(t, s.StopSession(id), session.ErrSessionNotFound)
	_, err = s.ListTargets(ctx, id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRuleChangesReachConfig(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	cfg, err := s.GetConfig(ctx)
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules)

	r, err := s.SaveRule(ctx, jsonRule("users", "/api/users", model.MatchPrefix))
	require.NoError(t, err)

	cfg, err = s.GetConfig(ctx)
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, r.ID, cfg.Rules[0].ID)

	require.NoError(t, s.SetRuleEnabled(ctx, r.ID, false))
	cfg, _ = s.GetConfig(ctx)
	assert.False(t, cfg.Rules[0].Enabled)

	g, err := s.GetGlobalConfig(ctx)
	require.NoError(t, err)
	g.InterceptMode = model.ModeNetwork
	require.NoError(t, s.SaveGlobalConfig(ctx, g))
	cfg, _ = s.GetConfig(ctx)
	assert.Equal(t, model.ModeNetwork, cfg.InterceptMode)

	require.NoError(t, s.DeleteRule(ctx, r.ID))
	cfg, _ = s.GetConfig(ctx)
	assert.Empty(t, cfg.Rules)
}

func TestMatchPreview(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.SaveRule(ctx, jsonRule("prefix", "/api/", model.MatchPrefix))
	require.NoError(t, err)
	exact, err := s.SaveRule(ctx, jsonRule("exact", "/api/user", model.MatchExact))
	require.NoError(t, err)

	first, all, err := s.Match(ctx, traffic.NewRequest("https://example.com/api/user", "GET"))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, exact.ID, first.ID)
	assert.Len(t, all, 2)

	first, all, err = s.Match(ctx, traffic.NewRequest("https://example.com/other", "GET"))
	require.NoError(t, err)
	assert.Nil(t, first)
	assert.Empty(t, all)

	g, _ := s.GetGlobalConfig(ctx)
	g.Enabled = false
	require.NoError(t, s.SaveGlobalConfig(ctx, g))
	first, all, err = s.Match(ctx, traffic.NewRequest("https://example.com/api/user", "GET"))
	require.NoError(t, err)
	assert.Nil(t, first)
	assert.Nil(t, all)
}

func TestImportExport(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	n, err := s.ImportRules(ctx, model.Bundle{Rules: []model.MockRule{
		jsonRule("a", "/a", model.MatchPrefix),
		jsonRule("b", "/b", model.MatchPrefix),
	}}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := s.ExportRules(ctx)
	require.NoError(t, err)
	assert.Len(t, b.Rules, 2)
	require.NotNil(t, b.Config)

	cfg, _ := s.GetConfig(ctx)
	assert.Len(t, cfg.Rules, 2)
}
