package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	agentproviders "github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/kernel"
	"github.com/haasonsaas/nexus/internal/models"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/internal/providers/venice"
	"github.com/haasonsaas/nexus/internal/usage"
	pkgkernel "github.com/haasonsaas/nexus/pkg/kernel"
)

// kernelApp wires the ten session-kernel components (L1-L10) together from
// a loaded Config. buildRunCmd, buildForkCmd, etc. all go through this
// rather than constructing components ad hoc, so the wiring order (registry
// before event log, event log before coordinator) only needs to be gotten
// right once.
type kernelApp struct {
	cfg          *config.Config
	log          *kernel.EventLog
	registry     *kernel.SessionRegistry
	bus          *kernel.Bus
	coordinator  *kernel.Coordinator
	forkEngine   *kernel.ForkEngine
	navigator    *kernel.Navigator
	reconstruct  *kernel.Reconstructor
	linearizer   *kernel.Linearizer
	compactor    *kernel.Compactor
	logger       *observability.Logger
	auditLogger  *audit.Logger
	jobStore     jobs.Store
	usageTracker *usage.Tracker
	shutdownFunc func(context.Context) error
}

func buildKernelApp(configPath string) (*kernelApp, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "sessionkernel",
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Environment:    cfg.Observability.Tracing.Environment,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	backend, err := buildBackend(cfg.Database)
	if err != nil {
		return nil, err
	}

	registry := kernel.NewSessionRegistry()
	log := kernel.NewEventLog(backend, registry.HeadStore(), logger)
	registry.Bind(log)
	bus := kernel.NewBus()
	bus.SetMetrics(metrics)
	coordinator := kernel.NewCoordinator(log, registry, bus, logger, metrics, tracer)
	navigator := kernel.NewNavigator(log)
	reconstructor := kernel.NewReconstructor(navigator)
	linearizer := kernel.NewLinearizer(log)

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:           cfg.Audit.Enabled,
		Level:             audit.Level(cfg.Audit.Level),
		Format:            audit.OutputFormat(cfg.Audit.Format),
		Output:            cfg.Audit.Output,
		IncludeToolInput:  cfg.Audit.IncludeToolInput,
		IncludeToolOutput: cfg.Audit.IncludeToolOutput,
		MaxFieldSize:      cfg.Audit.MaxFieldSize,
		SampleRate:        cfg.Audit.SampleRate,
		FlushInterval:     cfg.Audit.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("construct audit logger: %w", err)
	}
	jobStore, err := buildJobStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	usageTracker := usage.NewTracker(usage.DefaultTrackerConfig())
	recorder := observability.NewEventRecorder(observability.NewMemoryEventStore(4096), logger)

	compactor := kernel.NewCompactor(reconstructor, linearizer, 30000)
	compactor.SetAuditLogger(auditLogger)
	coordinator.SetAuditLogger(auditLogger)
	coordinator.SetJobStore(jobStore)
	coordinator.SetUsageTracker(usageTracker)
	coordinator.SetEventRecorder(recorder)

	return &kernelApp{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		bus:          bus,
		coordinator:  coordinator,
		forkEngine:   kernel.NewForkEngine(registry),
		navigator:    navigator,
		reconstruct:  reconstructor,
		linearizer:   linearizer,
		compactor:    compactor,
		logger:       logger,
		auditLogger:  auditLogger,
		jobStore:     jobStore,
		usageTracker: usageTracker,
		shutdownFunc: func(ctx context.Context) error {
			auditLogger.Close()
			return shutdown(ctx)
		},
	}, nil
}

// buildJobStore selects the tool-execution job store to pair with the event
// log backend: durable deployments record jobs next to their events, the
// rest keep them in memory.
func buildJobStore(cfg config.DatabaseConfig) (jobs.Store, error) {
	if cfg.Driver == "postgres" {
		store, err := jobs.NewCockroachStoreFromDSN(cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("construct job store: %w", err)
		}
		return store, nil
	}
	return jobs.NewMemoryStore(), nil
}

func buildBackend(cfg config.DatabaseConfig) (kernel.Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return kernel.NewMemoryBackend(), nil
	case "sqlite":
		return kernel.NewSQLiteBackend(cfg.URL)
	case "postgres":
		return kernel.NewPostgresBackendFromDSN(cfg.URL, nil)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// buildProvider resolves the kernel.Provider for a --provider flag value by
// constructing the matching agent.LLMProvider backend and wrapping it in
// internal/providers.Bridge, the adapter between the two capability
// surfaces.
func buildProvider(cfg *config.Config, name string) (kernel.Provider, error) {
	providerCfg := cfg.LLM.Providers[name]

	var inner agent.LLMProvider
	var err error
	switch name {
	case "anthropic":
		inner, err = agentproviders.NewAnthropicProvider(agentproviders.AnthropicConfig{
			APIKey:       firstNonEmpty(providerCfg.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		inner = agentproviders.NewOpenAIProvider(firstNonEmpty(providerCfg.APIKey, os.Getenv("OPENAI_API_KEY")))
	case "venice":
		inner, err = venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       firstNonEmpty(providerCfg.APIKey, os.Getenv("VENICE_API_KEY")),
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic, openai, or venice)", name)
	}
	if err != nil {
		return nil, fmt.Errorf("construct %s provider: %w", name, err)
	}
	return providers.NewBridge(inner), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		provider   string
		model      string
		prompt     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent against a session, creating one if --session is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			ctx := cmd.Context()
			if sessionID == "" {
				sess, _, err := app.registry.Create(ctx, kernel.CreateOptions{Model: model})
				if err != nil {
					return fmt.Errorf("create session: %w", err)
				}
				sessionID = sess.ID
			}

			if model == "" {
				model = app.cfg.LLM.Providers[provider].DefaultModel
			}
			if model == "" {
				return fmt.Errorf("no model configured: pass --model or set a default for provider %q", provider)
			}

			if _, err := app.log.Append(ctx, sessionID, pkgkernel.EventMessageUser, pkgkernel.MessageUserPayload{
				Content: []pkgkernel.ContentBlock{pkgkernel.TextBlock{Text: prompt}},
			}, kernel.AppendOpts{}); err != nil {
				return fmt.Errorf("append user message: %w", err)
			}

			// The primary provider/model is tried first; candidates from the
			// configured fallback chain take over on failover-class errors.
			fb, err := models.RunWithModelFallback(ctx, &models.FallbackConfig{
				PrimaryProvider: provider,
				PrimaryModel:    model,
				Fallbacks:       app.cfg.LLM.FallbackChain,
			}, func(ctx context.Context, providerName, modelID string) (*kernel.RunResult, error) {
				llmProvider, err := buildProvider(app.cfg, providerName)
				if err != nil {
					return nil, err
				}
				return app.coordinator.Run(ctx, kernel.RunOptions{
					SessionID:    sessionID,
					Provider:     llmProvider,
					ProviderName: providerName,
					Model:        modelID,
				})
			}, func(providerName, modelID string, err error, attempt, total int) {
				app.logger.Warn(ctx, "model candidate failed",
					"provider", providerName, "model", modelID,
					"attempt", attempt, "total", total, "error", err)
			})
			if err != nil {
				return err
			}
			result := fb.Result

			fmt.Printf("session=%s run=%s provider=%s model=%s stop_reason=%s interrupted=%v\n",
				sessionID, result.RunID, fb.Provider, fb.Model, result.StopReason, result.Interrupted)
			if totals := app.usageTracker.GetTotals(fb.Provider, fb.Model); totals != nil {
				fmt.Printf("usage: %s\n", usage.FormatUsageDetailed(totals))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Existing session id to continue (creates one if omitted)")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "LLM provider: anthropic, openai, or venice")
	cmd.Flags().StringVar(&model, "model", "", "Model identifier to pass to the provider")
	cmd.Flags().StringVar(&prompt, "prompt", "", "User prompt to append before running")
	return cmd
}

func buildForkCmd() *cobra.Command {
	var (
		configPath string
		fromEvent  string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Fork a new session rooted at an existing event",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			sess, _, err := app.forkEngine.Fork(cmd.Context(), fromEvent, kernel.ForkOptions{Name: name})
			if err != nil {
				return err
			}
			fmt.Printf("forked session=%s from=%s\n", sess.ID, fromEvent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&fromEvent, "from", "", "Event id to fork from (required)")
	cmd.Flags().StringVar(&name, "name", "", "Name recorded on the forked session")
	cmd.MarkFlagRequired("from")
	return cmd
}

func buildRewindCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		toEvent    string
		name       string
		endOld     bool
		endReason  string
	)

	cmd := &cobra.Command{
		Use:   "rewind",
		Short: "Rewind a session to an earlier event, forking a new one from it",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			sess, _, err := app.forkEngine.Rewind(cmd.Context(), sessionID, toEvent, kernel.RewindOptions{
				Name:      name,
				EndOld:    endOld,
				EndReason: endReason,
			})
			if err != nil {
				return err
			}
			fmt.Printf("rewound session=%s to=%s new_session=%s\n", sessionID, toEvent, sess.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id being rewound (required)")
	cmd.Flags().StringVar(&toEvent, "to", "", "Event id to rewind to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Name recorded on the new session")
	cmd.Flags().BoolVar(&endOld, "end-old", false, "End the old session after rewinding")
	cmd.Flags().StringVar(&endReason, "end-reason", "rewound", "Reason recorded if --end-old is set")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("to")
	return cmd
}

func buildReplayCmd() *cobra.Command {
	var (
		configPath string
		eventID    string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconstruct and print the canonical message list at an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			messages, dangling, err := app.reconstruct.MessagesAt(cmd.Context(), eventID)
			if err != nil {
				return err
			}
			if dangling != nil {
				fmt.Fprintf(os.Stderr, "warning: dangling tool_use, truncated at %s\n", dangling.ToolCallID)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(messages)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&eventID, "event", "", "Event id to reconstruct messages up to (required)")
	cmd.MarkFlagRequired("event")
	return cmd
}

func buildCompactCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		headEvent  string
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Mechanically prune stale tool result content and record a compact.boundary event",
		Long: `compact never summarizes: it reconstructs the session up to --head,
soft-trims or hard-clears stale tool result content per the default pruning
settings, and — only if that reduced the content — appends a compact.boundary
event recording the before/after size. Deciding what belongs in a narrative
summary is out of scope; this only performs the mechanical reduction.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			ev, err := app.compactor.Compact(cmd.Context(), sessionID, headEvent)
			if err != nil {
				return err
			}
			if ev == nil {
				fmt.Println("nothing to compact")
				return nil
			}
			fmt.Printf("compacted session=%s event=%s\n", sessionID, ev.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to compact (required)")
	cmd.Flags().StringVar(&headEvent, "head", "", "Head event id to compact up to (required)")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("head")
	return cmd
}

func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the known model catalog",
	}
	cmd.AddCommand(buildModelsListCmd(), buildModelsDiscoverBedrockCmd())
	return cmd
}

func buildModelsListCmd() *cobra.Command {
	var providerFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List models in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := models.NewCatalog()
			var list []*models.Model
			if providerFilter != "" {
				list = catalog.ListByProvider(models.Provider(providerFilter))
			} else {
				list = catalog.List(nil)
			}
			for _, m := range list {
				fmt.Printf("%-30s %-10s %-10s ctx=%d\n", m.ID, m.Provider, m.Tier, m.ContextWindow)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerFilter, "provider", "", "Filter by provider (anthropic, openai, bedrock, ...)")
	return cmd
}

func buildModelsDiscoverBedrockCmd() *cobra.Command {
	var (
		configPath string
		region     string
	)

	cmd := &cobra.Command{
		Use:   "discover-bedrock",
		Short: "Discover AWS Bedrock foundation models and register them into the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			bedrockCfg := app.cfg.LLM.Bedrock
			if region == "" {
				region = bedrockCfg.Region
			}
			refresh, _ := time.ParseDuration(bedrockCfg.RefreshInterval)

			discovery := models.NewBedrockDiscovery(models.BedrockDiscoveryConfig{
				Enabled:              true,
				Region:               region,
				RefreshInterval:      refresh,
				ProviderFilter:       bedrockCfg.ProviderFilter,
				DefaultContextWindow: bedrockCfg.DefaultContextWindow,
				DefaultMaxTokens:     bedrockCfg.DefaultMaxTokens,
			}, nil)

			catalog := models.NewCatalog()
			if err := discovery.RegisterWithCatalog(cmd.Context(), catalog); err != nil {
				return fmt.Errorf("discover bedrock models: %w", err)
			}
			for _, m := range catalog.ListByProvider(models.ProviderBedrock) {
				fmt.Printf("%-40s ctx=%d\n", m.ID, m.ContextWindow)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&region, "region", "", "AWS region to query (overrides config)")
	return cmd
}

func buildUsageCmd() *cobra.Command {
	var (
		configPath     string
		providerFilter string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Fetch billed token usage and cost from the configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}

			registry := usage.NewUsageFetcherRegistry()
			if key := firstNonEmpty(cfg.LLM.Providers["anthropic"].APIKey, os.Getenv("ANTHROPIC_API_KEY")); key != "" {
				registry.Register(&usage.AnthropicUsageFetcher{APIKey: key})
			}
			if key := firstNonEmpty(cfg.LLM.Providers["openai"].APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
				registry.Register(&usage.OpenAIUsageFetcher{APIKey: key})
			}
			if len(registry.Providers()) == 0 {
				return fmt.Errorf("no provider API keys configured")
			}

			cache := usage.NewUsageCache(registry, 5*time.Minute)
			if providerFilter != "" {
				report, err := cache.Get(cmd.Context(), providerFilter)
				if err != nil {
					return err
				}
				fmt.Println(usage.FormatProviderUsage(report))
				return nil
			}
			for _, report := range cache.GetAll(cmd.Context()) {
				fmt.Println(usage.FormatProviderUsage(report))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&providerFilter, "provider", "", "Only fetch this provider's usage")
	return cmd
}

func buildJobsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded tool-execution jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildKernelApp(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			defer app.shutdownFunc(cmd.Context())

			list, err := app.jobStore.List(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			for _, j := range list {
				fmt.Printf("%-36s %-20s %-10s %s\n", j.ID, j.ToolName, j.Status, j.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")
	return cmd
}
