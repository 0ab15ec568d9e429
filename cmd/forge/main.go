// Command forge runs the multi-agent construction pipeline from the
// terminal: start a workflow from a requirement, resume an interrupted one
// from its checkpoints, and list stored projects.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"forge/internal/agent"
	"forge/internal/bus"
	"forge/internal/cache"
	"forge/internal/checkpoint"
	"forge/internal/config"
	"forge/internal/events"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/orchestrator"
	"forge/internal/repo"
	"forge/internal/state"
	"forge/internal/workflow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	outputDir  string
	mode       string
	skipUI     bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Multi-agent software construction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVarP(&flags.outputDir, "output", "o", "", "output directory override")
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "execution mode: SEQUENTIAL, PARALLEL, ADAPTIVE")
	root.PersistentFlags().BoolVar(&flags.skipUI, "skip-ui", false, "skip the UI/UX design stage")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newResumeCmd(flags))
	root.AddCommand(newListCmd(flags))
	return root
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.outputDir != "" {
		cfg.OutputDir = flags.outputDir
	}
	if flags.mode != "" {
		cfg.Mode = config.ExecutionMode(flags.mode)
	}
	if flags.skipUI {
		cfg.SkipUIDesign = true
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run <requirement>",
		Short: "Run a workflow from a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if name == "" {
				name = "project"
			}
			project := state.NewProject("wf-"+uuid.NewString(), name, args[0])
			return runWorkflow(cmd.Context(), cfg, project, false)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "project name")
	return cmd
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a workflow from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			project := state.NewProject(args[0], "", "")
			return runWorkflow(cmd.Context(), cfg, project, true)
		},
	}
}

func newListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ids, err := repo.NewFileRepository(cfg.OutputDir).List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no stored projects")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

// runWorkflow wires the engine and drives it to a terminal stage. There is
// no provider client in the binary yet, so generation runs against the
// deterministic scripted generator; swap it for a real Generator to go live.
func runWorkflow(ctx context.Context, cfg config.Config, project *state.Project, resume bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	plog := logging.FromSlog(logger.Slog(), "cli")

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	msgBus := bus.New(0, bus.WithLogger(plog))
	defer msgBus.Close()

	generator := llm.NewScripted().
		WithFallback("dry-run output").
		WithResponse(string(workflow.RoleTestEngineer), string(workflow.StageTesting), `{"all_passed": true}`).
		WithResponse(string(workflow.RoleQualityExpert), string(workflow.StageQA), `{"approved": true}`)

	team := agent.NewTeam(agent.Deps{
		Generator: generator,
		Project:   project,
		Bus:       msgBus,
		Logger:    logger,
		Options:   cfg.Generation,
	})
	if err := team.Attach(); err != nil {
		return err
	}
	defer team.Detach()

	var results *cache.Cache[agent.Output]
	cachePath := filepath.Join(cfg.CacheDir(), "results.json")
	if cfg.CacheEnabled {
		results, err = cache.New[agent.Output](cfg.CacheCapacity, plog)
		if err != nil {
			return err
		}
		if err := results.Load(cachePath); err != nil {
			plog.Warn("cache load failed: %v", err)
		}
	}

	var ckpts *checkpoint.Store
	if cfg.CheckpointEnabled {
		ckpts = checkpoint.NewStore(cfg.CheckpointDir(), project.ID(), plog)
	} else if resume {
		return fmt.Errorf("cannot resume %s: checkpoints are disabled", project.ID())
	}

	engine, err := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Project:     project,
		Team:        team,
		Bus:         msgBus,
		Logger:      logger,
		Tracer:      tracer,
		Sinks:       []events.Sink{consoleSink()},
		Results:     results,
		Checkpoints: ckpts,
		Metrics:     orchestrator.NewMetrics(nil),
	})
	if err != nil {
		return err
	}

	if resume {
		ok, err := engine.RestoreLatest()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint found for %s", project.ID())
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		engine.Cancel("interrupted")
	}()

	summary, runErr := engine.Run(ctx)

	if results != nil {
		if err := results.Persist(cachePath); err != nil {
			plog.Warn("cache persist failed: %v", err)
		}
	}
	store := repo.NewFileRepository(cfg.OutputDir)
	snap := project.Snapshot()
	if err := store.Save(snap); err != nil {
		plog.Warn("project save failed: %v", err)
	}
	if err := store.ExportArtifacts(snap); err != nil {
		plog.Warn("artifact export failed: %v", err)
	}

	printSummary(summary)
	return runErr
}

func consoleSink() events.Sink {
	stageColor := color.New(color.FgCyan)
	okColor := color.New(color.FgGreen)
	warnColor := color.New(color.FgYellow)
	failColor := color.New(color.FgRed)
	return events.SinkFunc(func(ev events.Event) {
		switch ev.Type {
		case events.TypeStageStarted:
			stageColor.Printf("[%5.1f%%] stage %s started\n", ev.Percent, ev.Stage)
		case events.TypeStageCompleted:
			okColor.Printf("[%5.1f%%] stage %s completed\n", ev.Percent, ev.Stage)
		case events.TypeAgentRetried, events.TypeStageRetried:
			warnColor.Printf("[%5.1f%%] retry in %s: %v\n", ev.Percent, ev.Stage, ev.Payload["error"])
		case events.TypeRefinementStarted:
			warnColor.Printf("[%5.1f%%] refinement iteration %v in %s\n", ev.Percent, ev.Payload["iteration"], ev.Stage)
		case events.TypeWorkflowCompleted:
			okColor.Println("workflow completed")
		case events.TypeWorkflowFailed:
			failColor.Printf("workflow failed: %v\n", ev.Payload["error"])
		case events.TypeWorkflowCanceled:
			failColor.Printf("workflow canceled: %v\n", ev.Payload["reason"])
		}
	})
}

func printSummary(s orchestrator.Summary) {
	fmt.Printf("\nworkflow %s finished at %s\n", s.WorkflowID, s.Outcome)
	fmt.Printf("  stages:        %v\n", s.StageHistory)
	fmt.Printf("  total tokens:  %d\n", s.TotalTokens)
	fmt.Printf("  cache hits:    %.0f%%\n", s.CacheHitRate*100)
	for stage, d := range s.StageDurations {
		fmt.Printf("  %-22s %s\n", stage, d.Round(time.Millisecond))
	}
	if len(s.Errors) > 0 {
		fmt.Printf("  errors:\n")
		for _, e := range s.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}
}
