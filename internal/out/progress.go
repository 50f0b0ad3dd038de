package out

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ggonzalez94/swapflow/internal/flow"
)

// ProgressLine is one flow event as written to the progress stream.
type ProgressLine struct {
	Event  flow.EventKind `json:"event"`
	FlowID string         `json:"flow_id"`
	State  flow.State     `json:"state"`
	Step   flow.StepKind  `json:"step,omitempty"`
	Index  int            `json:"index"`
	TxHash string         `json:"tx_hash,omitempty"`
	Error  string         `json:"error,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

func progressLine(ev flow.Event) ProgressLine {
	line := ProgressLine{
		Event:  ev.Kind,
		FlowID: ev.FlowID,
		State:  ev.State,
		Step:   ev.Step,
		Index:  ev.Index,
		TxHash: ev.TxHash,
	}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	if ev.Step != "" {
		line.Detail = ev.Step.Description()
	}
	if ev.Decision != nil {
		line.Detail = string(ev.Decision.Kind)
		if ev.Decision.Improvement != "" {
			line.Detail += " +" + ev.Decision.Improvement
		}
	}
	return line
}

// Progress returns a runner subscriber that streams events to w, one per
// line: JSON objects in json mode, key=value pairs otherwise. Write errors
// are dropped; progress is best effort.
func Progress(w io.Writer, mode string) func(flow.Event) {
	return func(ev flow.Event) {
		line := progressLine(ev)
		if mode == "json" {
			buf, err := json.Marshal(line)
			if err != nil {
				return
			}
			_, _ = fmt.Fprintln(w, string(buf))
			return
		}
		_, _ = fmt.Fprintln(w, toLine(normalizeValue(line)))
	}
}
