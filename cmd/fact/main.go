package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v2"

	"github.com/factlabs/fact/cmd/fact/app"
	"github.com/factlabs/fact/pkg/util/log"
)

func main() {
	config, configVerify, demoSeed, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(config.LogFormat, config.LogLevel)

	warnings, err := config.ApplyEnvOverrides(os.Environ())
	if err != nil {
		level.Error(log.Logger).Log("msg", "invalid environment override", "err", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		level.Warn(log.Logger).Log("msg", w)
	}

	if err := config.Validate(); err != nil {
		level.Error(log.Logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}
	if configVerify {
		os.Exit(0)
	}

	a, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising fact", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		level.Error(log.Logger).Log("msg", "error starting fact", "err", err)
		os.Exit(1)
	}

	if demoSeed {
		if err := a.Executor.SeedDemo(ctx); err != nil {
			level.Error(log.Logger).Log("msg", "error seeding demo data", "err", err)
			a.Shutdown()
			os.Exit(1)
		}
	}

	runQueryLoop(ctx, a)

	a.Shutdown()
}

// runQueryLoop answers one query per stdin line until EOF or a
// termination signal.
func runQueryLoop(ctx context.Context, a *app.App) {
	userID := os.Getenv("USER")
	if userID == "" {
		userID = "local"
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("fact ready. Type a question, or ctrl-d to exit.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			session, err := a.Handle(ctx, line, userID)
			switch {
			case errors.Is(err, app.ErrShuttingDown):
				return
			case err != nil:
				fmt.Printf("error: %v\n", err)
			default:
				fmt.Printf("[%s, %.1fms] %s\n", session.CacheStatus, session.LatencyMS, session.Response)
			}
		}
	}
}

func loadConfig() (*app.Config, bool, bool, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// find the config file flags first; Parse stops at the first
	// unknown flag so retry from each position
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	fs.BoolVar(&configVerify, configVerifyOption, false, "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.String(configFileOption, "", "Path to the yaml config file.")
	flag.Bool(configExpandEnvOption, false, "Expand ${VAR} references in the config file.")
	flag.Bool(configVerifyOption, false, "Verify the configuration and exit.")
	demoSeed := flag.Bool("demo.seed", false, "Create and populate a small demo dataset in the configured database.")

	// overlay with the config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, false, false, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, false, false, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, false, false, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// then apply command line flags on top
	flag.Parse()

	return config, configVerify, *demoSeed, nil
}
