package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func tradeMsg(exchange, symbol string) *MarketMessage {
	return &MarketMessage{
		Exchange:  exchange,
		Symbol:    symbol,
		Type:      TypeTrade,
		Timestamp: 1700000000000,
		Data: TradeData{
			Price:    decimal.NewFromInt(100),
			Quantity: decimal.NewFromInt(1),
			Side:     SideBuy,
		},
	}
}

func TestRouter_PriorityOrder(t *testing.T) {
	r := NewRouter()

	r.Add(&RoutingRule{ID: "low", Priority: 1, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"C"}})
	r.Add(&RoutingRule{ID: "high", Priority: 100, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"A"}})
	r.Add(&RoutingRule{ID: "mid", Priority: 50, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"B"}})

	decision, errs := r.Evaluate(tradeMsg("binance", "BTCUSDT"))
	if len(errs) != 0 {
		t.Fatalf("unexpected rule errors: %v", errs)
	}

	want := []string{"A", "B", "C"}
	if len(decision.Targets) != len(want) {
		t.Fatalf("expected %d targets, got %v", len(want), decision.Targets)
	}
	for i, target := range want {
		if decision.Targets[i] != target {
			t.Errorf("target[%d]: expected %s, got %s", i, target, decision.Targets[i])
		}
	}
}

func TestRouter_StableOrderOnTies(t *testing.T) {
	r := NewRouter()

	for _, id := range []string{"first", "second", "third"} {
		id := id
		r.Add(&RoutingRule{ID: id, Priority: 10, Enabled: true,
			Match: func(*MarketMessage) bool { return true }, Targets: []string{id}})
	}

	decision, _ := r.Evaluate(tradeMsg("binance", "BTCUSDT"))
	want := []string{"first", "second", "third"}
	for i, target := range want {
		if decision.Targets[i] != target {
			t.Errorf("tie order broken at %d: expected %s, got %s", i, target, decision.Targets[i])
		}
	}
}

func TestRouter_UnionDedup(t *testing.T) {
	r := NewRouter()

	r.Add(&RoutingRule{ID: "a", Priority: 2, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"X", "Y"}})
	r.Add(&RoutingRule{ID: "b", Priority: 1, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"Y", "Z"}})

	decision, _ := r.Evaluate(tradeMsg("binance", "BTCUSDT"))
	want := []string{"X", "Y", "Z"}
	if len(decision.Targets) != 3 {
		t.Fatalf("expected 3 deduped targets, got %v", decision.Targets)
	}
	for i, target := range want {
		if decision.Targets[i] != target {
			t.Errorf("target[%d]: expected %s, got %s", i, target, decision.Targets[i])
		}
	}
	if len(decision.MatchedRules) != 2 {
		t.Errorf("expected 2 matched rules, got %v", decision.MatchedRules)
	}
}

func TestRouter_DisabledRulesSkipped(t *testing.T) {
	r := NewRouter()

	r.Add(&RoutingRule{ID: "off", Priority: 10, Enabled: false,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"A"}})

	decision, _ := r.Evaluate(tradeMsg("binance", "BTCUSDT"))
	if len(decision.Targets) != 0 {
		t.Errorf("disabled rule contributed targets: %v", decision.Targets)
	}
}

func TestRouter_PanickingRuleSkipped(t *testing.T) {
	r := NewRouter()

	r.Add(&RoutingRule{ID: "boom", Priority: 10, Enabled: true,
		Match: func(*MarketMessage) bool { panic("bad predicate") }, Targets: []string{"A"}})
	r.Add(CatchAll("fallback", "B"))

	decision, errs := r.Evaluate(tradeMsg("binance", "BTCUSDT"))

	if len(errs) != 1 || errs[0].RuleID != "boom" {
		t.Fatalf("expected one rule error for boom, got %v", errs)
	}
	if len(decision.Targets) != 1 || decision.Targets[0] != "B" {
		t.Errorf("expected fallback target only, got %v", decision.Targets)
	}
}

func TestRouter_RemoveAndReplace(t *testing.T) {
	r := NewRouter()

	r.Add(&RoutingRule{ID: "r", Priority: 5, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"A"}})

	// Replace in place
	r.Add(&RoutingRule{ID: "r", Priority: 5, Enabled: true,
		Match: func(*MarketMessage) bool { return true }, Targets: []string{"B"}})
	if r.Len() != 1 {
		t.Fatalf("expected replace in place, got %d rules", r.Len())
	}

	decision, _ := r.Evaluate(tradeMsg("binance", "BTCUSDT"))
	if len(decision.Targets) != 1 || decision.Targets[0] != "B" {
		t.Errorf("expected replaced targets, got %v", decision.Targets)
	}

	if !r.Remove("r") {
		t.Error("Remove returned false for existing rule")
	}
	if r.Remove("r") {
		t.Error("Remove returned true for missing rule")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty table, got %d", r.Len())
	}
}

func TestRouter_ExchangeMatch(t *testing.T) {
	r := NewRouter()

	exchRule := func(id, exchange, target string) *RoutingRule {
		return &RoutingRule{ID: id, Priority: 10, Enabled: true,
			Match:   func(m *MarketMessage) bool { return m.Exchange == exchange },
			Targets: []string{target}}
	}
	r.Add(exchRule("binance", "binance", "A"))
	r.Add(exchRule("coinbase", "coinbase", "B"))
	r.Add(exchRule("kraken", "kraken", "C"))

	cases := map[string]string{"binance": "A", "coinbase": "B", "kraken": "C"}
	for exchange, want := range cases {
		decision, _ := r.Evaluate(tradeMsg(exchange, "BTCUSD"))
		if len(decision.Targets) != 1 || decision.Targets[0] != want {
			t.Errorf("%s: expected [%s], got %v", exchange, want, decision.Targets)
		}
	}
}
