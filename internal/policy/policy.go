// Package policy gates which commands an invocation may run.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
)

// CheckCommandAllowed returns a CodeBlocked error unless commandPath is in
// allowlist. An entry also admits every subcommand below it, so "flows"
// allows "flows list". An empty allowlist allows everything.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath))
}

// Broadcasts reports whether commandPath can sign or submit transactions.
func Broadcasts(commandPath string) bool {
	switch normalize(commandPath) {
	case "swap run", "dca run", "flows resume":
		return true
	default:
		return false
	}
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
