package app

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapflow/internal/config"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
)

type settingsView struct {
	ConfigPath string `json:"config_path"`
	config.UserSettings
}

func (s *runtimeState) newSettingsCommand() *cobra.Command {
	root := &cobra.Command{Use: "settings", Short: "Show or change persisted swap settings"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective swap settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			view := settingsView{ConfigPath: s.settings.ConfigPath, UserSettings: s.settings.User()}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, cacheMetaBypass(), nil, false)
		},
	}

	var (
		slippage         float64
		sortBy           string
		sourceTimeout    time.Duration
		disabledSources  string
		permit2          bool
		simulationChains string
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist swap settings to the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			user := s.settings.User()
			changed := false
			if flags.Changed("slippage") {
				if slippage < 0 || slippage >= 100 {
					return clierr.New(clierr.CodeUsage, "--slippage must be in [0, 100)")
				}
				user.SlippagePct = slippage
				changed = true
			}
			if flags.Changed("sort") {
				user.SortBy = sortBy
				changed = true
			}
			if flags.Changed("source-timeout") {
				if sourceTimeout <= 0 {
					return clierr.New(clierr.CodeUsage, "--source-timeout must be positive")
				}
				user.SourceTimeout = sourceTimeout.String()
				changed = true
			}
			if flags.Changed("disable-sources") {
				user.DisabledSources = splitCSV(disabledSources)
				changed = true
			}
			if flags.Changed("permit2") {
				user.Permit2 = permit2
				changed = true
			}
			if flags.Changed("simulation-chains") {
				chains, err := parseChainIDs(simulationChains)
				if err != nil {
					return err
				}
				user.SimulationChains = chains
				changed = true
			}
			if !changed {
				return clierr.New(clierr.CodeUsage, "no setting flags given")
			}
			if err := config.ValidateSort(user.SortBy); err != nil {
				return clierr.Wrap(clierr.CodeUsage, "parse --sort", err)
			}
			if err := config.SaveUserSettings(s.settings.ConfigPath, user); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "save settings", err)
			}
			s.log.WithField("path", s.settings.ConfigPath).Info("settings saved")
			view := settingsView{ConfigPath: s.settings.ConfigPath, UserSettings: user}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, cacheMetaBypass(), nil, false)
		},
	}
	setCmd.Flags().Float64Var(&slippage, "slippage", 0, "Slippage tolerance percent")
	setCmd.Flags().StringVar(&sortBy, "sort", "", "Quote ranking (most-profit|most-return|least-gas)")
	setCmd.Flags().DurationVar(&sourceTimeout, "source-timeout", 0, "Per-source quote timeout")
	setCmd.Flags().StringVar(&disabledSources, "disable-sources", "", "Quote sources to skip (comma-separated, empty to enable all)")
	setCmd.Flags().BoolVar(&permit2, "permit2", true, "Sign Permit2 approvals when the chain supports them")
	setCmd.Flags().StringVar(&simulationChains, "simulation-chains", "", "Chain IDs that simulate transactions before execution (comma-separated)")

	root.AddCommand(showCmd)
	root.AddCommand(setCmd)
	return root
}

func parseChainIDs(v string) ([]int64, error) {
	items := splitCSV(v)
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		chainID, err := strconv.ParseInt(item, 10, 64)
		if err != nil || chainID <= 0 {
			return nil, clierr.New(clierr.CodeUsage, "invalid chain id "+strconv.Quote(item))
		}
		ids = append(ids, chainID)
	}
	return ids, nil
}
