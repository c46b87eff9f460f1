package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nugget/pacer/internal/config"
	"github.com/nugget/pacer/internal/opstate"
	"github.com/nugget/pacer/internal/strava"
)

func TestStravaTokens_RotationSurvivesRestart(t *testing.T) {
	st, err := opstate.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	newTestApp := func(refresh string) *app {
		cfg := config.Default()
		cfg.Strava.RefreshToken = refresh
		return &app{cfg: cfg, state: st, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	}
	refreshOf := func(a *app) *strava.RefreshToken {
		t.Helper()
		ts, err := a.stravaTokens(nil)
		if err != nil {
			t.Fatalf("stravaTokens: %v", err)
		}
		rt, ok := ts.(*strava.RefreshToken)
		if !ok {
			t.Fatalf("token source = %T, want *strava.RefreshToken", ts)
		}
		return rt
	}

	rt := refreshOf(newTestApp("configured"))
	if rt.Refresh != "configured" {
		t.Fatalf("first start Refresh = %q", rt.Refresh)
	}
	rt.OnRotate("rotated-1")

	// Restart with the same config: the rotated token wins.
	if rt := refreshOf(newTestApp("configured")); rt.Refresh != "rotated-1" {
		t.Errorf("after restart Refresh = %q, want rotated-1", rt.Refresh)
	}

	// Re-authorization replaces the chain, and the old one stays gone.
	if rt := refreshOf(newTestApp("reauthorized")); rt.Refresh != "reauthorized" {
		t.Errorf("after reauth Refresh = %q, want reauthorized", rt.Refresh)
	}
	if rt := refreshOf(newTestApp("reauthorized")); rt.Refresh != "reauthorized" {
		t.Errorf("second start after reauth Refresh = %q", rt.Refresh)
	}
}

func TestStravaTokens_StaticWithoutRefresh(t *testing.T) {
	cfg := config.Default()
	cfg.Strava.AccessToken = "fixed"
	a := &app{cfg: cfg}
	ts, err := a.stravaTokens(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ts != strava.StaticToken("fixed") {
		t.Errorf("token source = %#v", ts)
	}
}

func TestRankingPolicyKeepsDefaults(t *testing.T) {
	p := rankingPolicy(config.RankingConfig{DurationTerms: []string{"hours"}})
	if len(p.Longest) == 0 || len(p.DurationTerms) != 1 {
		t.Errorf("policy = %+v", p)
	}
}
