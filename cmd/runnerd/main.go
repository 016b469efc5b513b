package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/coderunner/driver"
	"github.com/guseggert/coderunner/driver/docker"
	"github.com/guseggert/coderunner/driver/local"
	"github.com/guseggert/coderunner/internal/files"
	"github.com/guseggert/coderunner/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runnerd",
		Usage: "the runner backend that executes uploaded files in containers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to an HCL config file. By default runnerd.hcl is searched for in the working directory and its parents.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "driver",
				Usage: "The container driver to use. One of [local,docker].",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "The image for docker containers.",
			},
			&cli.StringSliceFlag{
				Name:  "interpreter",
				Usage: "The command that runs uploaded files, repeated per argument.",
			},
			&cli.StringFlag{
				Name:  "exec-timeout",
				Usage: "Duration an execution may run before it is killed. Zero means no limit.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log protocol traces.",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			execTimeout, err := cfg.ExecTimeoutDuration()
			if err != nil {
				return err
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			if !ctx.Bool("debug") {
				logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
			}
			defer logger.Sync()
			sugar := logger.Sugar()

			d, cleanup, err := newDriver(cfg.Driver, sugar)
			if err != nil {
				return fmt.Errorf("building driver: %w", err)
			}
			defer cleanup()

			srv := server.New(
				d,
				server.WithLogger(sugar),
				server.WithExecTimeout(execTimeout),
				server.WithReadLimit(cfg.ReadLimit),
			)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				sugar.Infof("got %s, shutting down", sig)
				srv.Stop()
			}()

			sugar.Infow("starting runner backend", "Driver", cfg.Driver.Kind, "ExecTimeout", execTimeout)
			return srv.ListenAndServe(cfg.ListenAddr)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(ctx *cli.Context) (*server.Config, error) {
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = files.FindUp("runnerd.hcl", wd)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
	}

	cfg := server.DefaultConfig()
	if path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if kind := ctx.String("driver"); ctx.IsSet("driver") && kind != cfg.Driver.Kind {
		cfg.Driver = &server.DriverConfig{Kind: kind}
	}
	if ctx.IsSet("image") {
		cfg.Driver.Image = ctx.String("image")
	}
	if ctx.IsSet("interpreter") {
		cfg.Driver.Interpreter = ctx.StringSlice("interpreter")
	}
	if ctx.IsSet("exec-timeout") {
		cfg.ExecTimeout = ctx.String("exec-timeout")
	}
	return cfg, cfg.Validate()
}

func newDriver(cfg *server.DriverConfig, log *zap.SugaredLogger) (driver.Driver, func(), error) {
	switch cfg.Kind {
	case "local":
		opts := []local.Option{local.WithLogger(log)}
		if len(cfg.Interpreter) > 0 {
			opts = append(opts, local.WithInterpreter(cfg.Interpreter...))
		}
		if cfg.Dir != "" {
			opts = append(opts, local.WithDir(cfg.Dir))
		}
		d, err := local.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {}
		if cfg.Dir == "" {
			// only the temp dir made by the driver is ours to remove
			cleanup = func() { d.Cleanup() }
		}
		return d, cleanup, nil
	case "docker":
		d, err := docker.NewDriver()
		if err != nil {
			return nil, nil, err
		}
		d.WithLogger(log)
		if cfg.Image != "" {
			d.WithImage(cfg.Image)
		}
		if len(cfg.Interpreter) > 0 {
			d.WithInterpreter(cfg.Interpreter...)
		}
		return d, func() { d.DockerClient.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported driver %q", cfg.Kind)
}
