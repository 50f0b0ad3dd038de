package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapflow/internal/cache"
	"github.com/ggonzalez94/swapflow/internal/chain"
	"github.com/ggonzalez94/swapflow/internal/config"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/httpx"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/out"
	"github.com/ggonzalez94/swapflow/internal/policy"
	"github.com/ggonzalez94/swapflow/internal/providers"
	"github.com/ggonzalez94/swapflow/internal/providers/fibrous"
	"github.com/ggonzalez94/swapflow/internal/providers/onchainv3"
	"github.com/ggonzalez94/swapflow/internal/providers/oneinch"
	"github.com/ggonzalez94/swapflow/internal/providers/uniswap"
	"github.com/ggonzalez94/swapflow/internal/quotes"
	"github.com/ggonzalez94/swapflow/internal/schema"
	"github.com/ggonzalez94/swapflow/internal/store"
	"github.com/ggonzalez94/swapflow/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time

	// Overridable in tests. nil means the real implementation.
	sources    func(settings config.Settings, client *httpx.Client) []providers.SwapQuoter
	dial       func(ctx context.Context, rpcURL string) (chain.Backend, error)
	isTerminal func() bool
}

func NewRunner() *Runner {
	r := NewRunnerWithWriters(os.Stdout, os.Stderr)
	r.stdin = os.Stdin
	return r
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		stdin:  strings.NewReader(""),
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	log           logrus.FieldLogger
	cache         *cache.Store
	flows         *store.Store
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	sources       []providers.SwapQuoter
	aggregator    *quotes.Aggregator
	quoteCache    *cache.Quotes
	providerInfos []model.ProviderInfo
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: logx.Discard()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SetIn(r.stdin)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.flows != nil {
		_ = s.flows.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Agent-first multi-step swap and DCA runner",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			log, err := logx.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.log = log

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if policy.Broadcasts(path) {
				s.log.WithField("command", path).Debug("command may sign and submit transactions")
			}

			if s.aggregator == nil {
				httpClient := httpx.New(settings.Timeout, settings.Retries).WithLogger(log)
				s.sources = s.buildSources(settings, httpClient)
				s.aggregator = quotes.NewAggregator(s.sources, log)
				s.providerInfos = make([]model.ProviderInfo, 0, len(s.sources))
				for _, source := range s.sources {
					s.providerInfos = append(s.providerInfos, source.Info())
				}
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			maxStale := settings.MaxStale
			if settings.NoStale {
				maxStale = -1
			}
			s.quoteCache = cache.NewQuotes(s.aggregator, s.cache, cache.DefaultQuoteTTL, log).WithStaleFallback(maxStale)

			if shouldOpenFlowStore(path) && s.flows == nil {
				flowStore, err := store.Open(settings.FlowStorePath, settings.FlowLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open flow store", err)
				}
				s.flows = flowStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail on partial quote results")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Quote source request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per quote source request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale window for cached entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable quote cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newDCACommand())
	cmd.AddCommand(s.newFlowsCommand())
	cmd.AddCommand(s.newSettingsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (s *runtimeState) buildSources(settings config.Settings, client *httpx.Client) []providers.SwapQuoter {
	if s.runner.sources != nil {
		return s.runner.sources(settings, client)
	}
	return []providers.SwapQuoter{
		oneinch.New(client, settings.OneInchAPIKey),
		uniswap.New(client, settings.UniswapAPIKey),
		onchainv3.New(settings.RPCURLs),
		fibrous.New(client),
	}
}

func newVersionCommand() *cobra.Command {
	var long, asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			switch {
			case asJSON:
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(version.Current())
			case long:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
			default:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
			}
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	cmd.Flags().BoolVar(&asJSON, "info", false, "Print build metadata as a JSON object")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path, policy.Broadcasts)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Quote source commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List quote sources and API key metadata (no keys required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			type providerRow struct {
				model.ProviderInfo
				Enabled bool `json:"enabled"`
			}
			disabled := make(map[string]bool, len(s.settings.DisabledSources))
			for _, name := range s.settings.DisabledSources {
				disabled[name] = true
			}
			rows := make([]providerRow, 0, len(s.providerInfos))
			for _, info := range s.providerInfos {
				rows = append(rows, providerRow{ProviderInfo: info, Enabled: !disabled[strings.ToLower(info.Name)]})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = errorType(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "provider_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeStale:
		return "stale_data"
	case clierr.CodePartialStrict:
		return "partial_results"
	case clierr.CodeBlocked:
		return "command_blocked"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeActionPlan:
		return "plan_error"
	case clierr.CodeActionSim:
		return "simulation_failed"
	case clierr.CodeActionTimeout:
		return "timeout"
	case clierr.CodeUserRejected:
		return "user_rejected"
	case clierr.CodeQuotesFailed:
		return "quotes_failed"
	case clierr.CodeFlowSuspended:
		return "flow_suspended"
	default:
		return "internal_error"
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldOpenCache limits the quote cache to commands that fetch quotes.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "quote", "swap plan", "swap run", "flows resume":
		return true
	default:
		return false
	}
}

func shouldOpenFlowStore(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	switch {
	case path == "swap plan", path == "swap run", path == "dca plan", path == "dca run":
		return true
	case strings.HasPrefix(path, "flows "):
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
