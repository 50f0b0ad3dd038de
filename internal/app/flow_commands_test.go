package app

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/swapflow/internal/chain"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/providers"
)

var swapArgs = []string{
	"--chain", "base",
	"--from", "USDC",
	"--to", "WETH",
	"--amount-decimal", "100",
}

func runArgs(cmd []string, extra ...string) []string {
	args := append([]string{}, cmd...)
	args = append(args, swapArgs...)
	args = append(args, "--results-only", "--log-level", "panic")
	return append(args, extra...)
}

func decodeFlow(t *testing.T, raw []byte) flowOutput {
	t.Helper()
	var out flowOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to parse flow output: %v output=%s", err, raw)
	}
	return out
}

func TestQuoteRanksSources(t *testing.T) {
	isolate(t)
	r, stdout, stderr := newTestRunner(newStubBackend(),
		stubQuoter{name: "alpha", buyUSD: 100.5},
		stubQuoter{name: "beta", buyUSD: 101},
	)
	if code := r.Run(runArgs([]string{"quote"})); code != 0 {
		t.Fatalf("quote failed with %d: %s", code, stderr.String())
	}
	var quotes []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &quotes); err != nil {
		t.Fatalf("failed to parse quotes: %v output=%s", err, stdout.String())
	}
	if len(quotes) != 2 || quotes[0]["source"] != "beta" {
		t.Fatalf("expected beta ranked first, got %+v", quotes)
	}
}

func TestQuoteStrictFailsOnPartialResults(t *testing.T) {
	isolate(t)
	r, _, stderr := newTestRunner(newStubBackend(),
		stubQuoter{name: "alpha", buyUSD: 101},
		stubQuoter{name: "beta", err: clierr.New(clierr.CodeUnavailable, "upstream down")},
	)
	code := r.Run(runArgs([]string{"quote"}, "--strict"))
	if code != int(clierr.CodePartialStrict) {
		t.Fatalf("expected exit 15, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stderr.Bytes())
	warnings, _ := env["warnings"].([]any)
	if len(warnings) != 1 || !strings.Contains(warnings[0].(string), "provider beta failed") {
		t.Fatalf("expected a warning for beta, got %+v", env["warnings"])
	}
}

func TestQuoteAllSourcesFailed(t *testing.T) {
	isolate(t)
	r, _, stderr := newTestRunner(newStubBackend(),
		stubQuoter{name: "alpha", err: errors.New("boom")},
	)
	if code := r.Run(runArgs([]string{"quote"})); code != int(clierr.CodeQuotesFailed) {
		t.Fatalf("expected exit 25, got %d stderr=%s", code, stderr.String())
	}
}

func TestSwapRunSucceeds(t *testing.T) {
	isolate(t)
	backend := newStubBackend()
	r, stdout, stderr := newTestRunner(backend,
		stubQuoter{name: "alpha", buyUSD: 101},
		stubQuoter{name: "beta", buyUSD: 100.5},
	)
	code := r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv, "--poll-interval", "10ms"))
	if code != 0 {
		t.Fatalf("swap run failed with %d: %s", code, stderr.String())
	}
	out := decodeFlow(t, stdout.Bytes())
	if out.State != flow.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", out.State)
	}
	if out.Receipt == nil || out.Receipt.Status != flow.ReceiptMined || out.Receipt.BlockNumber != 101 {
		t.Fatalf("unexpected receipt: %+v", out.Receipt)
	}
	kinds := out.Plan.Kinds()
	want := []flow.StepKind{flow.StepSignPermit, flow.StepWaitForQuoteSimulation, flow.StepExecute}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected plan %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected plan %v", kinds)
		}
	}
	if out.Session.Selected == nil || out.Session.Selected.Swapper.ID != "alpha" {
		t.Fatalf("expected alpha selected, got %+v", out.Session.Selected)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", backend.sentCount())
	}
}

func TestSwapRunRevertedReceipt(t *testing.T) {
	isolate(t)
	backend := newStubBackend()
	backend.reverted = true
	r, _, stderr := newTestRunner(backend, stubQuoter{name: "alpha", buyUSD: 101})
	code := r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv, "--poll-interval", "10ms"))
	if code != int(clierr.CodeUnavailable) {
		t.Fatalf("expected exit 12, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "reverted") {
		t.Fatalf("expected revert in error, got %s", stderr.String())
	}
}

func TestSwapRunSkipsPriceOnlyQuotes(t *testing.T) {
	isolate(t)
	backend := newStubBackend()
	sources := []providers.SwapQuoter{
		stubQuoter{name: "gamma", buyUSD: 105, priceOnly: true},
		stubQuoter{name: "alpha", buyUSD: 101, requotedUSD: 101},
	}
	r, stdout, stderr := newTestRunner(backend, sources...)
	code := r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv, "--poll-interval", "10ms"))
	if code != 0 {
		t.Fatalf("swap run failed with %d: %s", code, stderr.String())
	}
	out := decodeFlow(t, stdout.Bytes())
	if out.State != flow.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", out.State)
	}
	if out.Session.Selected == nil || out.Session.Selected.Swapper.ID != "alpha" {
		t.Fatalf("expected executable alpha route, got %+v", out.Session.Selected)
	}
	if out.Decision != nil {
		t.Fatalf("price-only quote must not be offered: %+v", out.Decision)
	}
	if backend.sentCount() != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", backend.sentCount())
	}

	r, _, stderr = newTestRunner(backend, sources...)
	code = r.Run(runArgs([]string{"swap", "run"}, "--route", "gamma", "--key-source", chain.KeySourceEnv))
	if code != int(clierr.CodeUnsupported) {
		t.Fatalf("expected exit 13 for a price-only route, got %d stderr=%s", code, stderr.String())
	}

	isolate(t)
	r, _, stderr = newTestRunner(backend, stubQuoter{name: "gamma", buyUSD: 105, priceOnly: true})
	code = r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv))
	if code != int(clierr.CodeQuotesFailed) {
		t.Fatalf("expected exit 25 without executable routes, got %d stderr=%s", code, stderr.String())
	}
}

func TestSwapRunSuspendsOnBetterQuoteThenResumes(t *testing.T) {
	isolate(t)
	backend := newStubBackend()
	sources := []providers.SwapQuoter{
		stubQuoter{name: "alpha", buyUSD: 101, requotedUSD: 99},
		stubQuoter{name: "beta", buyUSD: 100.5, requotedUSD: 100.9},
	}

	r, _, stderr := newTestRunner(backend, sources...)
	code := r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv, "--poll-interval", "10ms"))
	if code != int(clierr.CodeFlowSuspended) {
		t.Fatalf("expected exit 26, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "beta now beats alpha by 1.90") {
		t.Fatalf("expected decision summary in error, got %s", stderr.String())
	}
	if backend.sentCount() != 0 {
		t.Fatalf("nothing should be broadcast while suspended, got %d", backend.sentCount())
	}

	r, stdout, stderr := newTestRunner(backend, sources...)
	if code := r.Run([]string{"flows", "list", "--state", string(flow.StateSuspendedBetterQuote), "--results-only"}); code != 0 {
		t.Fatalf("flows list failed with %d: %s", code, stderr.String())
	}
	var rows []flowSummary
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		t.Fatalf("failed to parse flows: %v output=%s", err, stdout.String())
	}
	if len(rows) != 1 || rows[0].Step != flow.StepWaitForQuoteSimulation {
		t.Fatalf("expected one suspended flow, got %+v", rows)
	}

	r, stdout, stderr = newTestRunner(backend, sources...)
	code = r.Run([]string{
		"flows", "resume", rows[0].FlowID,
		"--on-better-quote", "accept",
		"--key-source", chain.KeySourceEnv,
		"--poll-interval", "10ms",
		"--results-only", "--log-level", "panic",
	})
	if code != 0 {
		t.Fatalf("flows resume failed with %d: %s", code, stderr.String())
	}
	out := decodeFlow(t, stdout.Bytes())
	if out.State != flow.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", out.State)
	}
	if out.Session.Selected == nil || out.Session.Selected.Swapper.ID != "beta" {
		t.Fatalf("expected switch to beta, got %+v", out.Session.Selected)
	}
	step := out.Plan[out.Plan.Index(flow.StepWaitForQuoteSimulation)]
	if sim := step.QuoteSimulation(); sim == nil || sim.Outcome != flow.QuoteSimAccepted {
		t.Fatalf("expected accepted quote simulation, got %+v", step.Payload)
	}

	r, _, stderr = newTestRunner(backend, sources...)
	code = r.Run([]string{"flows", "resume", rows[0].FlowID, "--key-source", chain.KeySourceEnv, "--log-level", "panic"})
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error resuming a finished flow, got %d stderr=%s", code, stderr.String())
	}
}

func TestSwapRunRejectKeepsOriginalRoute(t *testing.T) {
	isolate(t)
	r, stdout, stderr := newTestRunner(newStubBackend(),
		stubQuoter{name: "alpha", buyUSD: 101, requotedUSD: 99},
		stubQuoter{name: "beta", buyUSD: 100.5, requotedUSD: 100.9},
	)
	code := r.Run(runArgs([]string{"swap", "run"}, "--key-source", chain.KeySourceEnv, "--on-better-quote", "reject", "--poll-interval", "10ms"))
	if code != 0 {
		t.Fatalf("swap run failed with %d: %s", code, stderr.String())
	}
	out := decodeFlow(t, stdout.Bytes())
	if out.Session.Selected == nil || out.Session.Selected.Swapper.ID != "alpha" {
		t.Fatalf("expected alpha kept, got %+v", out.Session.Selected)
	}
}

func TestSwapPlanPersistsRunningFlowWithoutKey(t *testing.T) {
	isolate(t)
	t.Setenv(chain.EnvPrivateKey, "")
	backend := newStubBackend()
	r, stdout, stderr := newTestRunner(backend, stubQuoter{name: "alpha", buyUSD: 101})
	code := r.Run(runArgs([]string{"swap", "plan"}, "--from-address", testOwner))
	if code != 0 {
		t.Fatalf("swap plan failed with %d: %s", code, stderr.String())
	}
	out := decodeFlow(t, stdout.Bytes())
	if out.State != flow.StateRunning || out.FlowID == "" {
		t.Fatalf("expected a running flow, got %s %q", out.State, out.FlowID)
	}
	if !strings.EqualFold(out.Session.Owner, testOwner) {
		t.Fatalf("unexpected owner %s", out.Session.Owner)
	}
	if backend.sentCount() != 0 {
		t.Fatal("plan must not broadcast")
	}
}

func TestSwapPlanRequiresFromAddress(t *testing.T) {
	isolate(t)
	r, _, stderr := newTestRunner(newStubBackend(), stubQuoter{name: "alpha", buyUSD: 101})
	if code := r.Run(runArgs([]string{"swap", "plan"})); code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %d stderr=%s", code, stderr.String())
	}
}

func TestDCAPlanThenAbortAndPrune(t *testing.T) {
	isolate(t)
	backend := newStubBackend()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, stdout, stderr := newTestRunner(backend)
	r.now = func() time.Time { return start }
	code := r.Run([]string{
		"dca", "plan",
		"--chain", "base", "--from", "USDC", "--to", "WETH",
		"--amount-decimal", "700", "--swaps", "7", "--interval", "24h",
		"--from-address", testOwner,
		"--results-only", "--log-level", "panic",
	})
	if code != 0 {
		t.Fatalf("dca plan failed with %d: %s", code, stderr.String())
	}
	planned := decodeFlow(t, stdout.Bytes())
	if planned.Session.Intent != flow.IntentCreatePosition || planned.Session.Position == nil {
		t.Fatalf("expected a create-position flow, got %+v", planned.Session)
	}
	if planned.Session.Position.Swaps != 7 || planned.Session.Position.IntervalSeconds != 86400 {
		t.Fatalf("unexpected position %+v", planned.Session.Position)
	}
	exec := planned.Plan[len(planned.Plan)-1]
	if exec.Kind != flow.StepExecute || exec.Execute().SellAmount != "700000000" {
		t.Fatalf("unexpected execute step %+v", exec)
	}

	r, stdout, stderr = newTestRunner(backend)
	r.now = func() time.Time { return start }
	if code := r.Run([]string{"flows", "status", planned.FlowID, "--results-only"}); code != 0 {
		t.Fatalf("flows status failed with %d: %s", code, stderr.String())
	}
	if got := decodeFlow(t, stdout.Bytes()); got.FlowID != planned.FlowID {
		t.Fatalf("unexpected status flow %s", got.FlowID)
	}

	r, stdout, stderr = newTestRunner(backend)
	r.now = func() time.Time { return start }
	if code := r.Run([]string{"flows", "abort", planned.FlowID, "--results-only"}); code != 0 {
		t.Fatalf("flows abort failed with %d: %s", code, stderr.String())
	}
	if got := decodeFlow(t, stdout.Bytes()); got.State != flow.StateAbandoned {
		t.Fatalf("expected abandoned, got %s", got.State)
	}

	r, stdout, stderr = newTestRunner(backend)
	r.now = func() time.Time { return start.Add(2 * time.Hour) }
	if code := r.Run([]string{"flows", "prune", "--older-than", "1h", "--results-only"}); code != 0 {
		t.Fatalf("flows prune failed with %d: %s", code, stderr.String())
	}
	var pruned map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &pruned); err != nil {
		t.Fatalf("failed to parse prune output: %v", err)
	}
	if pruned["removed"] != float64(1) {
		t.Fatalf("expected one flow pruned, got %+v", pruned)
	}
}

func TestDCAPlanRejectsShortInterval(t *testing.T) {
	isolate(t)
	r, _, stderr := newTestRunner(newStubBackend())
	code := r.Run([]string{
		"dca", "plan",
		"--chain", "base", "--from", "USDC", "--to", "WETH",
		"--amount-decimal", "700", "--swaps", "7", "--interval", "30s",
		"--from-address", testOwner, "--log-level", "panic",
	})
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %d stderr=%s", code, stderr.String())
	}
}

func TestFlowsStatusUnknownID(t *testing.T) {
	isolate(t)
	r, _, stderr := newTestRunner(newStubBackend())
	if code := r.Run([]string{"flows", "status", "missing", "--log-level", "panic"}); code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %d stderr=%s", code, stderr.String())
	}
}
