package flow

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestPlanJSONKeepsPayloadVariants(t *testing.T) {
	route := testQuote("uniswap", 101)
	plan := Plan{
		{Kind: StepApproveToken, Done: true, TxHash: "0xa", Payload: &ApprovalPayload{Token: usdc, Spender: "0xs", Amount: "5"}},
		{Kind: StepWaitForApproval, Done: true, CheckForPending: true, TxHash: "0xa", Payload: &ApprovalPayload{Token: usdc, Spender: "0xs", Amount: "5"}},
		{Kind: StepSignPermit, Done: true, Payload: &PermitPayload{Token: usdc, Spender: "0xp", Amount: "5", Nonce: "1", Deadline: 99, Signature: "0xsig"}},
		{Kind: StepWaitForQuoteSimulation, Failed: true, Error: "boom", CheckForPending: true, Payload: &QuoteSimulationPayload{QuotesCount: 3}},
		{Kind: StepWaitForTxSimulation, Payload: &TxSimulationPayload{HasTransfer: true, Outcome: SimulationUnknown}},
		{Kind: StepExecute, CheckForPending: true, Payload: &ExecutePayload{Intent: IntentSwap, From: usdc, To: weth, SellAmount: "5", Route: &route}},
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"wait_for_quote_simulation"`) || !strings.Contains(string(raw), `"description":"Submit transaction"`) {
		t.Fatalf("expected kind tags and descriptions in %s", raw)
	}
	var decoded Plan
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if !reflect.DeepEqual(plan, decoded) {
		t.Fatalf("plan changed across JSON:\nwant %+v\ngot  %+v", plan, decoded)
	}
	if decoded[2].Permit().Signature != "0xsig" || decoded[5].Execute().Route.Swapper.ID != "uniswap" {
		t.Fatal("typed accessors lost payload data")
	}
}

func TestStepUnmarshalRejectsUnknownKind(t *testing.T) {
	var step Step
	if err := json.Unmarshal([]byte(`{"kind":"teleport","done":false}`), &step); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestStepKindConfirmation(t *testing.T) {
	for _, kind := range []StepKind{StepApproveToken, StepSignPermit, StepExecute} {
		if !kind.RequiresConfirmation() {
			t.Fatalf("%s should prompt the wallet", kind)
		}
	}
	for _, kind := range []StepKind{StepWaitForApproval, StepWaitForQuoteSimulation, StepWaitForTxSimulation} {
		if kind.RequiresConfirmation() {
			t.Fatalf("%s should not prompt the wallet", kind)
		}
	}
}

func TestPlanCloneDoesNotAlias(t *testing.T) {
	plan := Plan{{Kind: StepSignPermit, Payload: &PermitPayload{Amount: "1"}}}
	clone := plan.Clone()
	clone[0].Permit().Amount = "2"
	if plan[0].Permit().Amount != "1" {
		t.Fatal("clone shares payload with the original")
	}
}
