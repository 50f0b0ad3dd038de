// Package out writes command results as the JSON envelope or as plain
// key=value lines. Flows render in plain mode as a header plus one line per
// plan step.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ggonzalez94/swapflow/internal/config"
	"github.com/ggonzalez94/swapflow/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.OutputMode == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if settings.ResultsOnly {
			return enc.Encode(data)
		}
		env.Data = data
		return enc.Encode(env)
	}

	if settings.ResultsOnly {
		return renderPlain(w, normalizeValue(data))
	}
	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, normalizeValue(plain))
}

func renderPlain(w io.Writer, data any) error {
	switch t := data.(type) {
	case []any:
		if len(t) == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for _, item := range t {
			if _, err := fmt.Fprintln(w, toLine(item)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if plan, ok := t["plan"].([]any); ok {
			return renderFlow(w, t, plan)
		}
		_, err := fmt.Fprintln(w, toLine(t))
		return err
	default:
		_, err := fmt.Fprintln(w, toLine(data))
		return err
	}
}

// renderFlow prints the flow's scalar fields and selected route, then each
// step with its position relative to the cursor.
func renderFlow(w io.Writer, view map[string]any, plan []any) error {
	header := make(map[string]any, len(view))
	for k, v := range view {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		header[k] = v
	}
	if route, ok := lookup(view, "session.selected.swapper.id"); ok {
		header["route"] = route
	}
	if status, ok := lookup(view, "receipt.status"); ok {
		header["receipt"] = status
	}
	if _, err := fmt.Fprintln(w, toLine(header)); err != nil {
		return err
	}

	cursorSeen := false
	for i, raw := range plan {
		step, _ := raw.(map[string]any)
		line := map[string]any{"step": i + 1, "kind": step["kind"], "status": stepStatus(step, &cursorSeen)}
		if hash, ok := step["tx_hash"].(string); ok && hash != "" {
			line["tx_hash"] = hash
		}
		if msg, ok := step["error"].(string); ok && msg != "" {
			line["error"] = msg
		}
		if _, err := fmt.Fprintln(w, "  "+toLine(line)); err != nil {
			return err
		}
	}
	return nil
}

func stepStatus(step map[string]any, cursorSeen *bool) string {
	if done, _ := step["done"].(bool); done {
		return "done"
	}
	if *cursorSeen {
		return "pending"
	}
	*cursorSeen = true
	if failed, _ := step["failed"].(bool); failed {
		return "failed"
	}
	return "current"
}

// project keeps the selected fields. A field may be a dotted path into
// nested objects, e.g. session.selected.swapper.id; the output key is the
// path itself.
func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine renders a map as sorted key=value pairs. Nested values are written
// as compact JSON so a line stays greppable.
func toLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return compact(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch val := m[k].(type) {
		case string:
			parts = append(parts, k+"="+val)
		case nil:
			parts = append(parts, k+"=null")
		default:
			parts = append(parts, k+"="+compact(val))
		}
	}
	return strings.Join(parts, " ")
}

func compact(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(buf)
}
