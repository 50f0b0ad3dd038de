package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "swapflow"}
	root.PersistentFlags().Bool("json", false, "json output")
	swap := &cobra.Command{Use: "swap", Short: "swap flows"}
	run := &cobra.Command{Use: "run", Short: "run a swap", Run: func(*cobra.Command, []string) {}}
	run.Flags().String("from", "", "token to sell")
	run.Flags().String("amount", "", "amount to sell")
	_ = run.MarkFlagRequired("from")
	plan := &cobra.Command{Use: "plan", Short: "plan a swap", Aliases: []string{"p"}, Run: func(*cobra.Command, []string) {}}
	hidden := &cobra.Command{Use: "debug", Hidden: true, Run: func(*cobra.Command, []string) {}}
	swap.AddCommand(run, plan, hidden)
	root.AddCommand(swap)
	return root
}

func TestBuildSchemaLeaf(t *testing.T) {
	root := testTree()
	s, err := Build(root, "swap run", func(path string) bool { return path == "swap run" })
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "swapflow swap run" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if !s.Broadcasts {
		t.Fatal("expected swap run to be marked as broadcasting")
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "amount" || s.Flags[1].Name != "from" {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if s.Flags[0].Required || !s.Flags[1].Required {
		t.Fatalf("expected only --from to be required: %+v", s.Flags)
	}
	if len(s.Inherited) != 1 || s.Inherited[0].Name != "json" {
		t.Fatalf("expected inherited --json, got %+v", s.Inherited)
	}
}

func TestBuildSchemaSkipsHiddenAndResolvesAliases(t *testing.T) {
	root := testTree()
	s, err := Build(root, "swap", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Subcommands) != 2 {
		t.Fatalf("expected hidden command to be skipped, got %+v", s.Subcommands)
	}
	if _, err := Build(root, "swap p", nil); err != nil {
		t.Fatalf("expected alias to resolve: %v", err)
	}
	if _, err := Build(root, "swap nope", nil); err == nil {
		t.Fatal("expected unknown command error")
	}
}
