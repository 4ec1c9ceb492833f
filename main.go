package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tripmesh/internal/config"
	"tripmesh/internal/core"
	"tripmesh/internal/nodes"
	"tripmesh/internal/services"
	"tripmesh/internal/storage"
	"tripmesh/internal/transport"
	"tripmesh/internal/worker"
	"tripmesh/pkg"
	"tripmesh/src"
	"tripmesh/src/logger"
)

const version = "1.0.0"

// app carries what every command needs after configuration is loaded
type app struct {
	env      *src.Config
	workflow *config.YAMLConfig
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "tripmesh",
		Short:         "Bus-coordinated multi-worker trip planner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	cmd.AddCommand(
		a.workerCmd(),
		a.orchestrateCmd(),
		a.demoCmd(),
		a.statusCmd(),
		a.resultCmd(),
		a.cancelCmd(),
		a.extendCmd(),
		a.deleteCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("tripmesh version %s\n", version)
			},
		},
	)
	return cmd
}

func (a *app) load() error {
	// Load environment variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	env, err := src.LoadConfig()
	if err != nil {
		return err
	}
	if err := logger.InitLogger(env.LogConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workflow, err := config.LoadConfig(env.WorkflowConfig)
	if err != nil {
		return fmt.Errorf("failed to load workflow config: %w", err)
	}
	a.env, a.workflow = env, workflow
	return nil
}

func (a *app) connect(ctx context.Context) (*transport.Client, error) {
	bus, err := transport.NewFromURL(a.env.RedisConfig.URL)
	if err != nil {
		return nil, err
	}
	if err := bus.Connect(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}

// engine wires the orchestrator over bus with the optional LLM collaborators
func (a *app) engine(ctx context.Context, bus *transport.Client) (*core.Engine, error) {
	opts := []core.Option{}
	if a.env.LLMConfig.Enabled() {
		chatModel, err := nodes.NewChatModel(ctx, a.env.LLMConfig)
		if err != nil {
			return nil, err
		}
		classifier, err := nodes.NewClassifier(ctx, chatModel)
		if err != nil {
			return nil, err
		}
		summarizer, err := nodes.NewSummarizer(ctx, chatModel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithClassifier(classifier), core.WithSummarizer(summarizer))
	} else {
		logger.Info().Msg("LLM disabled, using full routing and templated summaries")
	}
	if dir := a.env.ArchiveConfig.Dir; dir != "" {
		opts = append(opts, core.WithArchive(storage.NewJSONArchive(dir)))
	}
	return core.NewEngine(ctx, bus, storage.NewRedisStorage(bus.Redis()), config.BuildEngineConfig(a.workflow), opts...)
}

// startWorkers starts the mock domain harnesses for ws
func (a *app) startWorkers(ctx context.Context, bus *transport.Client, metrics *worker.Metrics, ws ...pkg.WorkerType) ([]*worker.Harness, error) {
	svc := services.NewTravelService()
	cfg := config.BuildWorkerConfig(a.workflow, metrics)
	var started []*worker.Harness
	for _, w := range ws {
		h, err := svc.NewHarness(bus, w, cfg)
		if err == nil {
			err = h.Start(ctx)
		}
		if err != nil {
			for _, s := range started {
				s.Stop()
			}
			return nil, err
		}
		started = append(started, h)
	}
	return started, nil
}

func (a *app) workerCmd() *cobra.Command {
	var workerType string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker serving its request channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := pkg.ParseWorkerType(workerType)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer bus.Disconnect()

			reg := prometheus.NewRegistry()
			metrics := worker.NewMetrics(reg)
			if addr := a.env.MetricsAddr; addr != "" {
				srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
					}
				}()
				defer srv.Close()
			}

			harnesses, err := a.startWorkers(ctx, bus, metrics, w)
			if err != nil {
				return err
			}
			logger.Info().Str("worker", string(w)).Msg("Worker running, press Ctrl+C to stop")
			<-ctx.Done()
			harnesses[0].Stop()
			return nil
		},
	}
	cmd.Flags().StringVarP(&workerType, "type", "t", "", "Worker type (forecast, routing, cost, plan, synthesis)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// submissionFlags binds the flags describing one round
type submissionFlags struct {
	sessionID   string
	query       string
	destination string
	origin      string
	mode        string
	dates       []string
	travelers   int
	budget      string
	interests   []string
	focus       []string
}

func (f *submissionFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.sessionID, "session", "", "Existing session id for a follow-up")
	fl.StringVarP(&f.query, "query", "q", "", "Traveler input")
	fl.StringVar(&f.destination, "destination", "", "Destination city")
	fl.StringVar(&f.origin, "origin", "", "Origin city")
	fl.StringVar(&f.mode, "mode", "", "Travel mode (drive, train, flight, bus)")
	fl.StringSliceVar(&f.dates, "dates", nil, "Trip dates (YYYY-MM-DD, comma separated)")
	fl.IntVar(&f.travelers, "travelers", 0, "Number of travelers")
	fl.StringVar(&f.budget, "budget", "", "Budget range (budget, moderate, luxury)")
	fl.StringSliceVar(&f.interests, "interests", nil, "Interests (comma separated)")
	fl.StringSliceVar(&f.focus, "focus", nil, "Restrict full routing to these workers")
}

func (f *submissionFlags) submission() (core.Submission, error) {
	sub := core.Submission{SessionID: f.sessionID, Query: f.query}
	params := pkg.TaskParams{
		Query:       f.query,
		Destination: f.destination,
		Origin:      f.origin,
		Mode:        f.mode,
		Dates:       f.dates,
		Travelers:   f.travelers,
		BudgetRange: f.budget,
		Interests:   f.interests,
	}
	for _, name := range f.focus {
		w, err := pkg.ParseWorkerType(strings.TrimSpace(name))
		if err != nil {
			return sub, err
		}
		params.Focus = append(params.Focus, w)
	}
	if params.Destination != "" || params.Origin != "" || len(params.Dates) > 0 || params.Travelers > 0 ||
		params.BudgetRange != "" || len(params.Interests) > 0 || len(params.Focus) > 0 || params.Mode != "" {
		sub.Params = &params
	}
	return sub, nil
}

func (a *app) orchestrateCmd() *cobra.Command {
	var flags submissionFlags
	var async bool
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run one planning round against running workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := flags.submission()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			bus, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer bus.Disconnect()

			engine, err := a.engine(ctx, bus)
			if err != nil {
				return err
			}
			if async {
				receipt, err := engine.Submit(ctx, sub)
				if err != nil {
					return err
				}
				if err := printJSON(receipt); err != nil {
					return err
				}
				engine.Wait()
				return nil
			}
			return a.runRound(ctx, engine, sub)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "Print the receipt first, then wait for the round")
	return cmd
}

func (a *app) demoCmd() *cobra.Command {
	var flags submissionFlags
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Start every mock worker in-process and run one round",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.query == "" {
				flags.query = "Plan 3 days in Lisbon from Porto by train for 2, moderate budget, food and history"
				flags.destination, flags.origin, flags.mode = "Lisbon", "Porto", "train"
				flags.dates = []string{"2026-05-01", "2026-05-02", "2026-05-03"}
				flags.travelers, flags.budget = 2, "moderate"
				flags.interests = []string{"food", "history"}
			}
			sub, err := flags.submission()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			bus, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer bus.Disconnect()

			harnesses, err := a.startWorkers(ctx, bus, nil, services.DomainWorkers...)
			if err != nil {
				return err
			}
			defer func() {
				for _, h := range harnesses {
					h.Stop()
				}
			}()

			engine, err := a.engine(ctx, bus)
			if err != nil {
				return err
			}
			return a.runRound(ctx, engine, sub)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (a *app) runRound(ctx context.Context, engine *core.Engine, sub core.Submission) error {
	state, err := engine.Execute(ctx, sub)
	if err != nil {
		return err
	}
	result, err := engine.Result(ctx, state.SessionID)
	if err != nil {
		// state is always returned even when the store is unreachable
		return printJSON(state)
	}
	return printJSON(result)
}

// sessionCmd builds a command acting on one session id
func (a *app) sessionCmd(use, short string, fn func(ctx context.Context, engine *core.Engine, sessionID string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bus, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer bus.Disconnect()

			engine, err := core.NewEngine(ctx, bus, storage.NewRedisStorage(bus.Redis()), config.BuildEngineConfig(a.workflow))
			if err != nil {
				return err
			}
			return fn(ctx, engine, args[0])
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return a.sessionCmd("status", "Show the progress of a session", func(ctx context.Context, engine *core.Engine, sessionID string) error {
		report, err := engine.Status(ctx, sessionID)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func (a *app) resultCmd() *cobra.Command {
	return a.sessionCmd("result", "Show the outcome of a session", func(ctx context.Context, engine *core.Engine, sessionID string) error {
		result, err := engine.Result(ctx, sessionID)
		if err != nil {
			return err
		}
		return printJSON(result)
	})
}

func (a *app) cancelCmd() *cobra.Command {
	var reason string
	cmd := a.sessionCmd("cancel", "Cancel a session and delete its state", func(ctx context.Context, engine *core.Engine, sessionID string) error {
		if err := engine.Cancel(ctx, sessionID, reason); err != nil {
			return err
		}
		fmt.Printf("Session %s cancelled\n", sessionID)
		return nil
	})
	cmd.Flags().StringVar(&reason, "reason", "", "Reason sent to the workers")
	return cmd
}

func (a *app) extendCmd() *cobra.Command {
	var hours int
	cmd := a.sessionCmd("extend", "Extend the expiry of a session", func(ctx context.Context, engine *core.Engine, sessionID string) error {
		if err := engine.Extend(ctx, sessionID, hours); err != nil {
			return err
		}
		fmt.Printf("Session %s now expires in %dh\n", sessionID, hours)
		return nil
	})
	cmd.Flags().IntVar(&hours, "hours", 1, "Hours from now until expiry")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return a.sessionCmd("delete", "Delete the state of a session", func(ctx context.Context, engine *core.Engine, sessionID string) error {
		if err := engine.Delete(ctx, sessionID); err != nil {
			return err
		}
		fmt.Printf("Session %s deleted\n", sessionID)
		return nil
	})
}

func printJSON(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
