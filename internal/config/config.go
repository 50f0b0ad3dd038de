package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SortMostProfit = "most-profit"
	SortMostReturn = "most-return"
	SortLeastGas   = "least-gas"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
}

// UserSettings is the persisted slice of settings a user edits between runs.
type UserSettings struct {
	SlippagePct      float64  `yaml:"slippage_pct" json:"slippage_pct"`
	SortBy           string   `yaml:"sort" json:"sort"`
	SourceTimeout    string   `yaml:"source_timeout" json:"source_timeout"`
	DisabledSources  []string `yaml:"disabled_sources,omitempty" json:"disabled_sources"`
	Permit2          bool     `yaml:"permit2" json:"permit2"`
	SimulationChains []int64  `yaml:"simulation_chains,omitempty" json:"simulation_chains"`
}

type Settings struct {
	ConfigPath       string
	OutputMode       string
	SelectFields     []string
	ResultsOnly      bool
	EnableCommands   []string
	Strict           bool
	Timeout          time.Duration
	Retries          int
	MaxStale         time.Duration
	NoStale          bool
	CacheEnabled     bool
	CachePath        string
	CacheLockPath    string
	FlowStorePath    string
	FlowLockPath     string
	LogLevel         string
	LogFormat        string
	SlippagePct      float64
	SortBy           string
	SourceTimeout    time.Duration
	DisabledSources  []string
	Permit2          bool
	SimulationChains []int64
	RPCURLs          map[int64]string
	OneInchAPIKey    string
	UniswapAPIKey    string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Flows struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"flows"`
	Swap struct {
		SlippagePct      *float64 `yaml:"slippage_pct"`
		SortBy           string   `yaml:"sort"`
		SourceTimeout    string   `yaml:"source_timeout"`
		DisabledSources  []string `yaml:"disabled_sources"`
		Permit2          *bool    `yaml:"permit2"`
		SimulationChains []int64  `yaml:"simulation_chains"`
	} `yaml:"swap"`
	RPC       map[int64]string `yaml:"rpc"`
	Providers struct {
		OneInch struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"oneinch"`
		Uniswap struct {
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"uniswap"`
	} `yaml:"providers"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	settings.ConfigPath = cfgPath

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.SourceTimeout <= 0 {
		settings.SourceTimeout = 5 * time.Second
	}
	if err := ValidateSort(settings.SortBy); err != nil {
		return Settings{}, err
	}
	if settings.SlippagePct < 0 || settings.SlippagePct >= 100 {
		return Settings{}, fmt.Errorf("slippage must be in [0, 100)")
	}

	return settings, nil
}

// User returns the persisted slice of settings.
func (s Settings) User() UserSettings {
	return UserSettings{
		SlippagePct:      s.SlippagePct,
		SortBy:           s.SortBy,
		SourceTimeout:    s.SourceTimeout.String(),
		DisabledSources:  append([]string(nil), s.DisabledSources...),
		Permit2:          s.Permit2,
		SimulationChains: append([]int64(nil), s.SimulationChains...),
	}
}

// SimulationEnabled reports whether provider-side tx simulation runs on chainID.
func (s Settings) SimulationEnabled(chainID int64) bool {
	for _, id := range s.SimulationChains {
		if id == chainID {
			return true
		}
	}
	return false
}

func ValidateSort(sortBy string) error {
	switch sortBy {
	case SortMostProfit, SortMostReturn, SortLeastGas:
		return nil
	default:
		return fmt.Errorf("sort must be %s|%s|%s", SortMostProfit, SortMostReturn, SortLeastGas)
	}
}

// SaveUserSettings writes the user slice under the `swap` key of the config
// file at path, leaving every other key untouched.
func SaveUserSettings(path string, user UserSettings) error {
	if err := ValidateSort(user.SortBy); err != nil {
		return err
	}
	if _, err := time.ParseDuration(user.SourceTimeout); err != nil {
		return fmt.Errorf("source_timeout: %w", err)
	}
	doc := map[string]any{}
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return fmt.Errorf("parse config yaml: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read config: %w", err)
	}
	doc["swap"] = user

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:       "json",
		Timeout:          30 * time.Second,
		Retries:          2,
		MaxStale:         5 * time.Minute,
		CacheEnabled:     true,
		CachePath:        cachePath,
		CacheLockPath:    lockPath,
		FlowStorePath:    filepath.Join(cacheDir, "flows.db"),
		FlowLockPath:     filepath.Join(cacheDir, "flows.lock"),
		LogLevel:         "warn",
		LogFormat:        "text",
		SlippagePct:      0.3,
		SortBy:           SortMostProfit,
		SourceTimeout:    5 * time.Second,
		Permit2:          true,
		SimulationChains: []int64{1, 10, 137, 8453, 42161},
		RPCURLs:          map[int64]string{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "swapflow", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "swapflow")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Flows.Path != "" {
		settings.FlowStorePath = cfg.Flows.Path
	}
	if cfg.Flows.LockPath != "" {
		settings.FlowLockPath = cfg.Flows.LockPath
	}
	if cfg.Swap.SlippagePct != nil {
		settings.SlippagePct = *cfg.Swap.SlippagePct
	}
	if cfg.Swap.SortBy != "" {
		settings.SortBy = strings.ToLower(cfg.Swap.SortBy)
	}
	if cfg.Swap.SourceTimeout != "" {
		d, err := time.ParseDuration(cfg.Swap.SourceTimeout)
		if err != nil {
			return fmt.Errorf("config swap.source_timeout: %w", err)
		}
		settings.SourceTimeout = d
	}
	if cfg.Swap.DisabledSources != nil {
		settings.DisabledSources = normalizeList(cfg.Swap.DisabledSources)
	}
	if cfg.Swap.Permit2 != nil {
		settings.Permit2 = *cfg.Swap.Permit2
	}
	if cfg.Swap.SimulationChains != nil {
		settings.SimulationChains = cfg.Swap.SimulationChains
	}
	for chainID, url := range cfg.RPC {
		if strings.TrimSpace(url) != "" {
			settings.RPCURLs[chainID] = strings.TrimSpace(url)
		}
	}
	if cfg.Providers.OneInch.APIKey != "" {
		settings.OneInchAPIKey = cfg.Providers.OneInch.APIKey
	}
	if cfg.Providers.OneInch.APIKeyEnv != "" {
		settings.OneInchAPIKey = os.Getenv(cfg.Providers.OneInch.APIKeyEnv)
	}
	if cfg.Providers.Uniswap.APIKey != "" {
		settings.UniswapAPIKey = cfg.Providers.Uniswap.APIKey
	}
	if cfg.Providers.Uniswap.APIKeyEnv != "" {
		settings.UniswapAPIKey = os.Getenv(cfg.Providers.Uniswap.APIKeyEnv)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("SWAPFLOW_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPFLOW_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("SWAPFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("SWAPFLOW_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("SWAPFLOW_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("SWAPFLOW_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("SWAPFLOW_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("SWAPFLOW_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("SWAPFLOW_FLOWS_PATH"); v != "" {
		settings.FlowStorePath = v
	}
	if v := os.Getenv("SWAPFLOW_FLOWS_LOCK_PATH"); v != "" {
		settings.FlowLockPath = v
	}
	if v := os.Getenv("SWAPFLOW_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPFLOW_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPFLOW_SLIPPAGE_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.SlippagePct = f
		}
	}
	if v := os.Getenv("SWAPFLOW_SORT"); v != "" {
		settings.SortBy = strings.ToLower(v)
	}
	if v := os.Getenv("SWAPFLOW_SOURCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.SourceTimeout = d
		}
	}
	if v := os.Getenv("SWAPFLOW_DISABLED_SOURCES"); v != "" {
		settings.DisabledSources = normalizeList(strings.Split(v, ","))
	}
	if v := os.Getenv("SWAPFLOW_PERMIT2"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Permit2 = b
		}
	}
	if v := os.Getenv("SWAPFLOW_1INCH_API_KEY"); v != "" {
		settings.OneInchAPIKey = v
	}
	if v := os.Getenv("SWAPFLOW_UNISWAP_API_KEY"); v != "" {
		settings.UniswapAPIKey = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitTrimmed(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitTrimmed(flags.EnableCommands)
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitTrimmed(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.ToLower(strings.TrimSpace(item)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
