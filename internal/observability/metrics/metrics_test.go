package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ARS-Engine/internal/engine"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestCollectorCountsTransactions(t *testing.T) {
	c := New()
	c.ObserveApply(engine.KindMint, engine.StatusApplied, "", 2*time.Millisecond)
	c.ObserveApply(engine.KindMint, engine.StatusRejected, "MINT_CAP_EXCEEDED", time.Millisecond)
	c.ObserveApply(engine.KindMint, engine.StatusRejected, "MINT_CAP_EXCEEDED", time.Millisecond)

	out := scrape(t, c)
	if !strings.Contains(out, `ars_transactions_total{code="MINT_CAP_EXCEEDED",kind="mint",status="rejected"} 2`) {
		t.Fatalf("expected 2 rejected mints, got:\n%s", out)
	}
	if !strings.Contains(out, `ars_transactions_total{code="",kind="mint",status="applied"} 1`) {
		t.Fatalf("expected 1 applied mint, got:\n%s", out)
	}
	if !strings.Contains(out, `ars_apply_duration_seconds_count{kind="mint"} 3`) {
		t.Fatalf("expected 3 latency samples, got:\n%s", out)
	}
}

func TestCollectorStateGauges(t *testing.T) {
	c := New()
	c.ObserveState(engine.Gauges{Height: 7, TotalSupply: 1_000_000, VHR: 20000, BreakerActive: true, Agents: 5})

	out := scrape(t, c)
	for _, line := range []string{
		"ars_height 7",
		"ars_total_supply 1e+06",
		"ars_vault_health_ratio_bps 20000",
		"ars_circuit_breaker_active 1",
		"ars_oracle_fresh 0",
		"ars_agents 5",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("missing %q in output:\n%s", line, out)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveApply(engine.KindTick, engine.StatusApplied, "", 0)
	c.ObserveState(engine.Gauges{})
}
