package flow

import (
	"encoding/json"
	"fmt"

	"github.com/ggonzalez94/swapflow/internal/model"
)

type StepKind string

const (
	StepApproveToken           StepKind = "approve_token"
	StepWaitForApproval        StepKind = "wait_for_approval"
	StepSignPermit             StepKind = "sign_permit"
	StepWaitForQuoteSimulation StepKind = "wait_for_quote_simulation"
	StepWaitForTxSimulation    StepKind = "wait_for_tx_simulation"
	StepExecute                StepKind = "execute"
)

func (k StepKind) Valid() bool {
	switch k {
	case StepApproveToken, StepWaitForApproval, StepSignPermit,
		StepWaitForQuoteSimulation, StepWaitForTxSimulation, StepExecute:
		return true
	}
	return false
}

func (k StepKind) Description() string {
	switch k {
	case StepApproveToken:
		return "Approve token spending"
	case StepWaitForApproval:
		return "Wait for approval confirmation"
	case StepSignPermit:
		return "Sign Permit2 authorization"
	case StepWaitForQuoteSimulation:
		return "Re-check quotes with signature"
	case StepWaitForTxSimulation:
		return "Simulate transaction"
	case StepExecute:
		return "Submit transaction"
	default:
		return string(k)
	}
}

// RequiresConfirmation reports whether the step prompts the wallet.
func (k StepKind) RequiresConfirmation() bool {
	switch k {
	case StepApproveToken, StepSignPermit, StepExecute:
		return true
	}
	return false
}

// Payload is the kind-specific data attached to a step. The set of variants
// is closed.
type Payload interface {
	payloadKind() StepKind
}

type ApprovalPayload struct {
	Token   model.Token `json:"token"`
	Spender string      `json:"spender"`
	Amount  string      `json:"amount"`
}

type PermitPayload struct {
	Token     model.Token `json:"token"`
	Spender   string      `json:"spender"`
	Amount    string      `json:"amount"`
	Nonce     string      `json:"nonce,omitempty"`
	Deadline  int64       `json:"deadline,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

// Signed reports whether the wallet has produced a signature for the permit.
func (p PermitPayload) Signed() bool {
	return p.Signature != ""
}

type QuoteSimulationOutcome string

const (
	QuoteSimNoChange QuoteSimulationOutcome = "no_change"
	QuoteSimAccepted QuoteSimulationOutcome = "accepted"
	QuoteSimRejected QuoteSimulationOutcome = "rejected"
	QuoteSimFailed   QuoteSimulationOutcome = "all_quotes_failed"
)

type QuoteSimulationPayload struct {
	QuotesCount int                    `json:"quotes_count"`
	Outcome     QuoteSimulationOutcome `json:"outcome,omitempty"`
}

type TxSimulationPayload struct {
	HasTransfer bool              `json:"has_transfer"`
	Outcome     SimulationOutcome `json:"outcome,omitempty"`
	GasUsed     uint64            `json:"gas_used,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

type Intent string

const (
	IntentSwap           Intent = "swap"
	IntentCreatePosition Intent = "create_position"
)

// PositionParams describes a recurring buy opened through the DCA hub.
type PositionParams struct {
	Swaps           int    `json:"swaps"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Hub             string `json:"hub"`
}

type ExecutePayload struct {
	Intent     Intent          `json:"intent"`
	From       model.Token     `json:"from"`
	To         model.Token     `json:"to"`
	SellAmount string          `json:"sell_amount"`
	BuyAmount  string          `json:"buy_amount,omitempty"`
	Route      *model.Quote    `json:"route,omitempty"`
	Position   *PositionParams `json:"position,omitempty"`
	Recipient  string          `json:"recipient,omitempty"`
}

func (*ApprovalPayload) payloadKind() StepKind        { return StepApproveToken }
func (*PermitPayload) payloadKind() StepKind          { return StepSignPermit }
func (*QuoteSimulationPayload) payloadKind() StepKind { return StepWaitForQuoteSimulation }
func (*TxSimulationPayload) payloadKind() StepKind    { return StepWaitForTxSimulation }
func (*ExecutePayload) payloadKind() StepKind         { return StepExecute }

// Step is one unit of a plan. Steps are mutated in place as the runner
// advances and are never removed mid-flight.
type Step struct {
	Kind            StepKind
	Done            bool
	Failed          bool
	CheckForPending bool
	TxHash          string
	Error           string
	Payload         Payload
}

func (s *Step) Approval() *ApprovalPayload {
	p, _ := s.Payload.(*ApprovalPayload)
	return p
}

func (s *Step) Permit() *PermitPayload {
	p, _ := s.Payload.(*PermitPayload)
	return p
}

func (s *Step) QuoteSimulation() *QuoteSimulationPayload {
	p, _ := s.Payload.(*QuoteSimulationPayload)
	return p
}

func (s *Step) TxSimulation() *TxSimulationPayload {
	p, _ := s.Payload.(*TxSimulationPayload)
	return p
}

func (s *Step) Execute() *ExecutePayload {
	p, _ := s.Payload.(*ExecutePayload)
	return p
}

type stepJSON struct {
	Kind            StepKind        `json:"kind"`
	Description     string          `json:"description"`
	Done            bool            `json:"done"`
	Failed          bool            `json:"failed"`
	CheckForPending bool            `json:"check_for_pending"`
	TxHash          string          `json:"tx_hash,omitempty"`
	Error           string          `json:"error,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{
		Kind:            s.Kind,
		Description:     s.Kind.Description(),
		Done:            s.Done,
		Failed:          s.Failed,
		CheckForPending: s.CheckForPending,
		TxHash:          s.TxHash,
		Error:           s.Error,
	}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("unknown step kind %q", in.Kind)
	}
	*s = Step{
		Kind:            in.Kind,
		Done:            in.Done,
		Failed:          in.Failed,
		CheckForPending: in.CheckForPending,
		TxHash:          in.TxHash,
		Error:           in.Error,
	}
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil
	}
	payload := newPayload(in.Kind)
	if err := json.Unmarshal(in.Payload, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", in.Kind, err)
	}
	s.Payload = payload
	return nil
}

func newPayload(kind StepKind) Payload {
	switch kind {
	case StepApproveToken, StepWaitForApproval:
		return &ApprovalPayload{}
	case StepSignPermit:
		return &PermitPayload{}
	case StepWaitForQuoteSimulation:
		return &QuoteSimulationPayload{}
	case StepWaitForTxSimulation:
		return &TxSimulationPayload{}
	default:
		return &ExecutePayload{}
	}
}

// Plan is an ordered list of steps. The done steps always form a prefix.
type Plan []Step

// Cursor returns the index of the first step not done, or -1 when every
// step is done.
func (p Plan) Cursor() int {
	for i := range p {
		if !p[i].Done {
			return i
		}
	}
	return -1
}

// DonePrefix reports whether the done steps form a prefix of the plan.
func (p Plan) DonePrefix() bool {
	seenPending := false
	for _, step := range p {
		if !step.Done {
			seenPending = true
			continue
		}
		if seenPending {
			return false
		}
	}
	return true
}

func (p Plan) Kinds() []StepKind {
	out := make([]StepKind, len(p))
	for i, step := range p {
		out[i] = step.Kind
	}
	return out
}

// Index returns the position of the first step of kind, or -1.
func (p Plan) Index(kind StepKind) int {
	for i := range p {
		if p[i].Kind == kind {
			return i
		}
	}
	return -1
}

// Clone deep-copies the plan so snapshots do not alias live payloads.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return append(Plan(nil), p...)
	}
	var out Plan
	if err := json.Unmarshal(raw, &out); err != nil {
		return append(Plan(nil), p...)
	}
	return out
}
