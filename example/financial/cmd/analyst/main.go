// Command analyst runs one analysis session against the demo financial
// deployment. With no provider API key it uses the scripted oracles, so the
// full route/plan/execute/answer loop works offline:
//
//	analyst -query "compare AAPL and MSFT, then summarize recent news"
//
// Set ANTHROPIC_API_KEY or OPENAI_API_KEY to plan with a real model, and
// -checkpoints to persist sessions across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/tessera-ai/tessera/example/financial"
	sqlitecp "github.com/tessera-ai/tessera/features/checkpoint/sqlite"
	anthropicoracle "github.com/tessera-ai/tessera/features/oracle/anthropic"
	openaioracle "github.com/tessera-ai/tessera/features/oracle/openai"
	remedyyaml "github.com/tessera-ai/tessera/features/remedy/yaml"
	"github.com/tessera-ai/tessera/runtime/checkpoint"
	"github.com/tessera-ai/tessera/runtime/engine"
	"github.com/tessera-ai/tessera/runtime/hooks"
	"github.com/tessera-ai/tessera/runtime/oracle"
	"github.com/tessera-ai/tessera/runtime/remedy"
	"github.com/tessera-ai/tessera/runtime/state"
	"github.com/tessera-ai/tessera/runtime/telemetry"
)

func main() {
	var (
		queryF       = flag.String("query", "", "Query to analyze")
		sessionF     = flag.String("session", "", "Session id (generated when empty)")
		resumeF      = flag.Bool("resume", false, "Resume the session instead of starting it")
		checkpointsF = flag.String("checkpoints", "", "SQLite checkpoint database path (in-memory store when empty)")
		policyF      = flag.String("policy", "", "Remediation policy YAML file (built-in defaults when empty)")
		concurrencyF = flag.Int("concurrency", 2, "Maximum concurrent task dispatches")
		dbgF         = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, options{
		query:       *queryF,
		sessionID:   *sessionF,
		resume:      *resumeF,
		checkpoints: *checkpointsF,
		policyPath:  *policyF,
		concurrency: *concurrencyF,
	}); err != nil {
		log.Errorf(ctx, err, "session failed")
		os.Exit(1)
	}
}

type options struct {
	query       string
	sessionID   string
	resume      bool
	checkpoints string
	policyPath  string
	concurrency int
}

func run(ctx context.Context, opts options) error {
	if !opts.resume && opts.query == "" {
		return fmt.Errorf("-query is required (or -resume with -session)")
	}
	if opts.resume && opts.sessionID == "" {
		return fmt.Errorf("-resume requires -session")
	}

	registry, err := financial.NewRegistry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var policy *remedy.Policy
	if opts.policyPath != "" {
		if policy, err = remedyyaml.LoadFile(opts.policyPath); err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}

	var checkpoints checkpoint.Store
	if opts.checkpoints != "" {
		store, err := sqlitecp.Open(opts.checkpoints)
		if err != nil {
			return fmt.Errorf("open checkpoints: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()
		checkpoints = store
	}

	classifier, planner, synthesizer := buildOracles(ctx)

	bus := hooks.NewBus()
	if _, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		log.Info(ctx, log.KV{K: "event", V: string(evt.Type())}, log.KV{K: "session", V: evt.SessionID()})
		return nil
	})); err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Registry:              registry,
		Classifier:            classifier,
		Planner:               planner,
		Synthesizer:           synthesizer,
		Checkpoints:           checkpoints,
		Policy:                policy,
		Hooks:                 bus,
		Logger:                telemetry.NewClueLogger(),
		MaxConcurrentDispatch: opts.concurrency,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	var st *state.State
	if opts.resume {
		st, err = eng.Resume(ctx, opts.sessionID)
	} else {
		st, err = eng.Invoke(ctx, opts.query, opts.sessionID)
	}
	if err != nil {
		return err
	}

	log.Print(ctx,
		log.KV{K: "session", V: st.SessionID},
		log.KV{K: "status", V: string(st.Status)},
		log.KV{K: "outcome", V: engine.Outcome(st)},
		log.KV{K: "replans", V: st.ReplanCount},
		log.KV{K: "errors", V: len(st.ErrorLog)},
	)
	fmt.Println()
	fmt.Println(st.FinalAnswer)
	return nil
}

// buildOracles picks a provider from the environment, falling back to the
// scripted oracles so the demo needs no credentials.
func buildOracles(ctx context.Context) (oracle.Classifier, oracle.Planner, oracle.Synthesizer) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		o, err := anthropicoracle.NewFromAPIKey(key, anthropicoracle.Options{
			Model:           "claude-sonnet-4-5",
			ClassifierModel: "claude-haiku-4-5",
		})
		if err == nil {
			log.Info(ctx, log.KV{K: "oracle", V: "anthropic"})
			return o, o, o
		}
		log.Errorf(ctx, err, "anthropic oracle unavailable, using scripted")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		o, err := openaioracle.NewFromAPIKey(key, openaioracle.Options{
			Model:           "gpt-4o",
			ClassifierModel: "gpt-4o-mini",
		})
		if err == nil {
			log.Info(ctx, log.KV{K: "oracle", V: "openai"})
			return o, o, o
		}
		log.Errorf(ctx, err, "openai oracle unavailable, using scripted")
	}
	log.Info(ctx, log.KV{K: "oracle", V: "scripted"})
	scripted := financial.ScriptedOracle{}
	return scripted, scripted, scripted
}
