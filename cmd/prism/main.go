package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/prismgate/prism/config"
	anthropicprovider "github.com/prismgate/prism/features/provider/anthropic"
	openaiprovider "github.com/prismgate/prism/features/provider/openai"
	redisstate "github.com/prismgate/prism/features/state/redis"
	"github.com/prismgate/prism/gateway"
	"github.com/prismgate/prism/runtime/provider"
	"github.com/prismgate/prism/runtime/state"
	"github.com/prismgate/prism/runtime/state/inmem"
	"github.com/prismgate/prism/runtime/workflow"
)

const shutdownGrace = 10 * time.Second

func main() {
	dbgF := flag.Bool("debug", false, "Enable debug logs")
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

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	reg := provider.NewRegistry()
	if err := registerProviders(ctx, reg, cfg); err != nil {
		log.Fatalf(ctx, err, "provider setup failed")
	}
	if len(reg.Categories()) == 0 {
		log.Printf(ctx, "no provider API keys configured, all AI endpoints will fail")
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "state backend setup failed")
	}
	defer closeStore()

	wfCtx, cancelWorkflows := context.WithCancel(ctx)
	defer cancelWorkflows()
	wf := workflow.New(wfCtx, reg, store, workflow.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		StepTimeout:   cfg.StepTimeout,
		TotalTimeout:  cfg.TotalTimeout,
	})
	if err := registerDefinitions(ctx, wf); err != nil {
		log.Fatalf(ctx, err, "workflow definitions failed to build")
	}

	srv := gateway.New(reg, wf, gateway.Options{APIKey: cfg.APIKey})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(ctx),
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	cancelWorkflows()
	wf.Wait()
	log.Printf(ctx, "exited")
}

// registerProviders wires every adapter whose API key is configured. OpenAI
// covers text, vision, image, audio and embedding; Anthropic covers text and
// vision.
func registerProviders(ctx context.Context, reg *provider.Registry, cfg *config.Config) error {
	if cfg.OpenAIKey != "" {
		oc, err := openaiprovider.NewFromAPIKey(cfg.OpenAIKey, openaiprovider.Options{})
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		reg.Register(ctx, oc.Text())
		reg.Register(ctx, oc.Vision())
		reg.Register(ctx, oc.Image())
		reg.Register(ctx, oc.Audio())
		reg.Register(ctx, oc.Embedding())
		log.Printf(ctx, "registered openai providers")
	}
	if cfg.AnthropicKey != "" {
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		ac, err := anthropicprovider.NewFromAPIKey(cfg.AnthropicKey, anthropicprovider.Options{Model: model})
		if err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}
		reg.Register(ctx, ac.Text())
		reg.Register(ctx, ac.Vision())
		log.Print(ctx, log.KV{K: "msg", V: "registered anthropic providers"}, log.KV{K: "model", V: model})
	}
	return nil
}

// openStore selects the state backend: Redis when REDIS_URL is set, an
// in-memory store with a background sweeper otherwise.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, func(), error) {
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb := goredis.NewClient(opts)
		st, err := redisstate.New(ctx, rdb, redisstate.WithRetention(cfg.ResultTTL))
		if err != nil {
			return nil, nil, err
		}
		log.Print(ctx, log.KV{K: "msg", V: "using redis state backend"}, log.KV{K: "addr", V: opts.Addr})
		return st, func() {
			if err := st.Close(); err != nil {
				log.Errorf(ctx, err, "close redis store")
			}
			_ = rdb.Close()
		}, nil
	}
	st := inmem.New(inmem.WithRetention(cfg.ResultTTL))
	st.Start(ctx)
	log.Printf(ctx, "using in-memory state backend")
	return st, func() { _ = st.Close() }, nil
}

// registerDefinitions installs the built-in workflow definitions.
func registerDefinitions(ctx context.Context, wf *workflow.Executor) error {
	builders := []*workflow.Builder{
		workflow.NewBuilder("summarize").
			Description("Summarize the input text in a short paragraph").
			Step(workflow.Step{
				Name:      "summarize",
				Category:  provider.CategoryText,
				Transform: workflow.InstructChatMessages("Summarize the following text in one short paragraph:"),
			}),
		workflow.NewBuilder("story-illustration").
			Description("Write a short story, then illustrate it").
			Step(workflow.Step{
				Name:     "write",
				Category: provider.CategoryText,
			}).
			Step(workflow.Step{
				Name:      "illustrate",
				Category:  provider.CategoryImage,
				Transform: workflow.PreviousTextToImageInput,
			}),
		workflow.NewBuilder("image-critique").
			Description("Generate an image, then critique it").
			Step(workflow.Step{
				Name:     "generate",
				Category: provider.CategoryImage,
			}).
			Step(workflow.Step{
				Name:      "critique",
				Category:  provider.CategoryVision,
				Transform: workflow.PreviousImageToVisionInput("Critique this image: composition, lighting and fidelity to the prompt."),
			}),
	}
	for _, b := range builders {
		def, err := b.Build(ctx)
		if err != nil {
			return err
		}
		wf.RegisterDefinition(def)
	}
	return nil
}
