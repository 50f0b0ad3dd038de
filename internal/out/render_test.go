package out

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/swapflow/internal/config"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"flow_id": "f1", "state": "running"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"flow_id"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["flow_id"] != "f1" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["state"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"swapper": "uniswap", "buy_amount": "42"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "swapper=uniswap") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestProgressJSONLines(t *testing.T) {
	var buf bytes.Buffer
	emit := Progress(&buf, "json")
	emit(flow.Event{Kind: flow.EventStepDone, FlowID: "f1", State: flow.StateRunning, Step: flow.StepApproveToken, TxHash: "0xabc"})
	emit(flow.Event{Kind: flow.EventStepFailed, FlowID: "f1", State: flow.StateRunning, Step: flow.StepExecute, Index: 2, Err: errors.New("user rejected")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two progress lines, got %q", buf.String())
	}
	var first ProgressLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode progress line: %v", err)
	}
	if first.TxHash != "0xabc" || first.Detail != "Approve token spending" {
		t.Fatalf("unexpected progress line %+v", first)
	}
	var second ProgressLine
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode progress line: %v", err)
	}
	if second.Error != "user rejected" || second.Index != 2 {
		t.Fatalf("unexpected progress line %+v", second)
	}
}

func TestProgressPlainIncludesDecision(t *testing.T) {
	var buf bytes.Buffer
	Progress(&buf, "plain")(flow.Event{
		Kind:     flow.EventDecisionOpened,
		FlowID:   "f1",
		State:    flow.StateSuspendedBetterQuote,
		Step:     flow.StepWaitForQuoteSimulation,
		Decision: &flow.Decision{Kind: flow.DecisionBetterQuote, Improvement: "3.50"},
	})
	got := buf.String()
	if !strings.Contains(got, "event=decision_opened") || !strings.Contains(got, "better_quote +3.50") {
		t.Fatalf("unexpected plain progress: %s", got)
	}
}

func TestRenderPlainFlowListsSteps(t *testing.T) {
	snap := flow.Snapshot{
		FlowID: "f1",
		State:  flow.StateRunning,
		Session: flow.Session{
			Selected: &model.Quote{Swapper: model.Swapper{ID: "uniswap"}},
		},
		Plan: flow.Plan{
			{Kind: flow.StepSignPermit, Done: true},
			{Kind: flow.StepWaitForQuoteSimulation, Failed: true, Error: "no quote source returned a usable route"},
			{Kind: flow.StepExecute, Payload: &flow.ExecutePayload{Intent: flow.IntentSwap}},
		},
	}
	env := model.Envelope{Version: "v1", Success: true, Data: snap}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus three steps, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "flow_id=f1") || !strings.Contains(lines[0], "route=uniswap") || !strings.Contains(lines[0], "state=running") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "kind=sign_permit") || !strings.Contains(lines[1], "status=done") {
		t.Fatalf("unexpected first step: %s", lines[1])
	}
	if !strings.Contains(lines[2], "status=failed") || !strings.Contains(lines[2], "error=no quote source") {
		t.Fatalf("unexpected second step: %s", lines[2])
	}
	if !strings.Contains(lines[3], "kind=execute") || !strings.Contains(lines[3], "status=pending") {
		t.Fatalf("unexpected third step: %s", lines[3])
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data: []map[string]any{
			{"flow_id": "f1", "session": map[string]any{"selected": map[string]any{"swapper": map[string]any{"id": "1inch"}}}},
			{"flow_id": "f2"},
		},
	}
	settings := config.Settings{OutputMode: "json", ResultsOnly: true, SelectFields: []string{"flow_id", "session.selected.swapper.id"}}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 2 || out[0]["session.selected.swapper.id"] != "1inch" {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
	if _, ok := out[1]["session.selected.swapper.id"]; ok {
		t.Fatalf("missing paths must be omitted: %s", buf.String())
	}
}

func TestRenderPlainNestedValuesAsJSON(t *testing.T) {
	env := model.Envelope{Data: map[string]any{"swapper": map[string]any{"id": "uniswap"}, "will_fail": false}}
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != `swapper={"id":"uniswap"} will_fail=false` {
		t.Fatalf("unexpected plain output: %s", got)
	}
}
