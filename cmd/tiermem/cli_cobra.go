package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/tiermem/pkg/config"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
	"github.com/dotsetgreg/tiermem/pkg/providers"
	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "tiermem",
		Short: "Tiered per-entity conversational memory with embeddings and LLM consolidation",
		Long: strings.TrimSpace(`tiermem keeps recent, mid-term and long-term memories per conversational
entity, merges tiers through a chat model, and retrieves relevant memories by
semantic similarity, importance, recency and names.

Use CLI commands to chat against a memory store, serve metrics with periodic
autosave, inspect persisted vectors, and manage common knowledge.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.tiermem/config.json or $TIERMEM_CONFIG)")

	cfgPath := func() string { return configPath }

	root.AddCommand(newChatCommand(cfgPath))
	root.AddCommand(newServeCommand(cfgPath))
	root.AddCommand(newStatusCommand(cfgPath))
	root.AddCommand(newConfigCommand(cfgPath))
	root.AddCommand(newVectorsCommand(cfgPath))
	root.AddCommand(newKnowledgeCommand(cfgPath))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newChatCommand(cfgPath func() string) *cobra.Command {
	var (
		entity     int64
		label      string
		importance int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Record lines as memories of one entity and show what they recall",
		Long:  "Run an interactive session where each line becomes a recent memory of the entity and is used as retrieval context.",
		Example: strings.Join([]string{
			"  tiermem chat",
			"  tiermem chat --entity 42 --label \"Ada\" --importance 4",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			configureLogging(cfg, debug)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()

			svc, err := buildService(ctx, cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer svc.Close()
			if label != "" {
				svc.SetEntityLabel(memory.EntityID(entity), label)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s interactive memory for entity %d (/help for commands)\n\n", appName, entity)
			interactiveMode(ctx, &chatSession{
				svc:        svc,
				entity:     memory.EntityID(entity),
				importance: importance,
				out:        cmd.OutOrStdout(),
			})
			return svc.Save(context.Background())
		},
	}

	cmd.Flags().Int64VarP(&entity, "entity", "e", 1, "Entity id whose memory is used")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Display name given to the summarizer")
	cmd.Flags().IntVarP(&importance, "importance", "i", 3, "Importance (1-5) assigned to recorded lines")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newServeCommand(cfgPath func() string) *cobra.Command {
	var (
		listen string
		tick   time.Duration
		debug  bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the memory host loop with a Prometheus metrics endpoint",
		Long:    "Load memory, drain background callbacks on a fixed tick, autosave on the configured cron schedule, and expose /metrics.",
		Example: "  tiermem serve --listen 127.0.0.1:9464",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			configureLogging(cfg, debug)
			if listen == "" {
				listen = cfg.Metrics.Listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New(metrics.DefaultConfig())
			svc, err := buildService(ctx, cfg, runtimeOptions{Metrics: m})
			if err != nil {
				return err
			}
			defer svc.Close()

			return serve(ctx, cmd, svc, m, listen, tick)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (defaults to metrics.listen)")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "Host loop interval")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, svc *memory.Service, m *metrics.Metrics, listen string, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Second
	}

	var server *http.Server
	if strings.TrimSpace(listen) != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		server = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCF("metrics", "Metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Metrics available at http://%s/metrics\n", listen)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = server.Shutdown(shutdownCtx)
				cancel()
			}
			svc.Tick(context.Background(), time.Now())
			return svc.Save(context.Background())
		case now := <-ticker.C:
			svc.Tick(ctx, now)
		}
	}
}

func newStatusCommand(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, credentials, and persisted memory files",
		Example: "  tiermem status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			path := cfgPath()
			if path == "" {
				path = getConfigPath()
			}
			printStatus(cmd, cfg, path)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, cfg *config.Config, configPath string) {
	out := cmd.OutOrStdout()
	mark := func(path string) string {
		if _, err := os.Stat(path); err == nil {
			return "✓"
		}
		return "✗"
	}
	status := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n", formatVersion())
	build, _ := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(out, "Build: %s\n", build)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Config:", configPath, mark(configPath))
	dataDir := cfg.DataDir()
	fmt.Fprintln(out, "Data dir:", dataDir, mark(dataDir))
	for _, name := range []string{"memory.db", "memory_vectors.bin", "semantic_cache.bin"} {
		p := filepath.Join(dataDir, name)
		fmt.Fprintf(out, "  %s %s\n", name, mark(p))
	}

	fmt.Fprintf(out, "Embedding mode: %s\n", cfg.Embedding.Mode)
	fmt.Fprintln(out, "Local model:", config.ExpandHome(cfg.Embedding.ModelPath), mark(config.ExpandHome(cfg.Embedding.ModelPath)))
	fmt.Fprintln(out, "Remote embeddings:", status(strings.TrimSpace(cfg.Embedding.Remote.APIKey) != ""))

	provider, configured, mode, err := providers.ProviderCredentialStatus(cfg)
	if err != nil {
		fmt.Fprintf(out, "Summarizer (%s): %v\n", provider, err)
	} else {
		fmt.Fprintf(out, "Summarizer (%s): %s", provider, status(configured))
		if configured {
			fmt.Fprintf(out, " [%s]", mode)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Autosave: %s\n", valueOr(cfg.Persistence.AutosaveCron, "disabled"))
}

func newConfigCommand(cfgPath func() string) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default configuration file",
		Example: "  tiermem config init\n  tiermem config init --config ./tiermem.json --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath()
			if path == "" {
				path = getConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	configRoot.AddCommand(initCmd)

	configRoot.AddCommand(&cobra.Command{
		Use:     "validate",
		Short:   "Check the configuration and summarizer credentials",
		Example: "  tiermem config validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			if err := validateConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
			return nil
		},
	})
	return configRoot
}

func validateConfig(cfg *config.Config) error {
	var problems []string
	if expr := cfg.Persistence.AutosaveCron; expr != "" && !gronx.New().IsValid(expr) {
		problems = append(problems, fmt.Sprintf("persistence.autosave_cron is not a valid cron expression: %q", expr))
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Embedding.Mode))
	if mode != "local" && mode != "remote" {
		problems = append(problems, fmt.Sprintf("embedding.mode must be local or remote, got %q", cfg.Embedding.Mode))
	}
	if cfg.RemoteMode() && strings.TrimSpace(cfg.Embedding.Remote.APIKey) == "" {
		problems = append(problems, "embedding.remote.api_key is required in remote mode")
	}
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func newVectorsCommand(cfgPath func() string) *cobra.Command {
	vectorsRoot := &cobra.Command{
		Use:   "vectors",
		Short: "Inspect persisted vector files",
	}

	var limit int
	inspect := &cobra.Command{
		Use:     "inspect [file]",
		Short:   "Summarize a memory vector file",
		Long:    "Print the record count, dimensions and a few ids of a memory_vectors.bin file. Defaults to the one in the data dir.",
		Example: "  tiermem vectors inspect\n  tiermem vectors inspect ./memory_vectors.bin --limit 20",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(cfgPath())
				if err != nil {
					return err
				}
				path = filepath.Join(cfg.DataDir(), "memory_vectors.bin")
			}
			return inspectVectors(cmd, path, limit)
		},
	}
	inspect.Flags().IntVarP(&limit, "limit", "n", 5, "Number of ids to list")
	vectorsRoot.AddCommand(inspect)
	return vectorsRoot
}

func inspectVectors(cmd *cobra.Command, path string, limit int) error {
	entries, err := vectors.ReadStoreFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dims := map[int]int{}
	ids := make([]uuid.UUID, 0, len(entries))
	for id, vec := range entries {
		dims[len(vec)]++
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File: %s\n", path)
	fmt.Fprintf(out, "Vectors: %d\n", len(entries))
	dimKeys := make([]int, 0, len(dims))
	for d := range dims {
		dimKeys = append(dimKeys, d)
	}
	sort.Ints(dimKeys)
	for _, d := range dimKeys {
		fmt.Fprintf(out, "  dim %d: %d\n", d, dims[d])
	}
	for i, id := range ids {
		if i >= limit {
			fmt.Fprintf(out, "  ... %d more\n", len(ids)-limit)
			break
		}
		fmt.Fprintf(out, "  %s\n", id)
	}
	return nil
}

func newKnowledgeCommand(cfgPath func() string) *cobra.Command {
	knowledgeRoot := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the shared common-knowledge pool",
	}

	knowledgeRoot.AddCommand(&cobra.Command{
		Use:     "import <file.json>",
		Short:   "Add knowledge entries from a JSON array",
		Example: "  tiermem knowledge import ./lore.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cfgPath, func(ctx context.Context, svc *memory.Service) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				n, err := svc.Knowledge().Import(f)
				if err != nil {
					return fmt.Errorf("import %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d entries (%d total)\n", n, svc.Knowledge().Len())
				return svc.Save(ctx)
			})
		},
	})

	knowledgeRoot.AddCommand(&cobra.Command{
		Use:     "export",
		Short:   "Write every knowledge entry as JSON to stdout",
		Example: "  tiermem knowledge export > lore.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cfgPath, func(ctx context.Context, svc *memory.Service) error {
				return svc.Knowledge().Export(cmd.OutOrStdout())
			})
		},
	})

	knowledgeRoot.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Short:   "Delete one knowledge entry",
		Example: "  tiermem knowledge remove 7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withService(cfgPath, func(ctx context.Context, svc *memory.Service) error {
				if !svc.Knowledge().Remove(id) {
					return memory.ErrRecordNotFound
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Removed")
				return svc.Save(ctx)
			})
		},
	})
	return knowledgeRoot
}

// withService runs fn against a loaded service with logging kept quiet.
func withService(cfgPath func() string, fn func(ctx context.Context, svc *memory.Service) error) error {
	cfg, err := loadConfig(cfgPath())
	if err != nil {
		return err
	}
	configureLogging(cfg, false)
	logger.SetLevel(logger.WARN)

	ctx := context.Background()
	svc, err := buildService(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  tiermem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
