package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/guseggert/coderunner/runner"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "runner",
		Usage: "run files on a remote code runner",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Upload FILE to a runner, execute it, and stream its output.",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "endpoint",
						Usage:   "The WebSocket URL of the runner.",
						Value:   "ws://127.0.0.1:8080/ws",
						EnvVars: []string{"CODERUNNER_ENDPOINT"},
					},
					&cli.BoolFlag{
						Name:  "lenient",
						Usage: "Warn instead of failing when starting or uploading out of order.",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Re-upload and re-execute FILE whenever it changes.",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Give up if the run takes longer than this. Zero means no limit. Ignored with --watch.",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Log protocol traces.",
					},
				},
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	return logger.Sugar(), nil
}

func run(cctx *cli.Context) error {
	path := cctx.Args().First()
	if path == "" {
		return cli.Exit("missing FILE", 2)
	}
	watch := cctx.Bool("watch")

	logger, err := newLogger(cctx.Bool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	f := &failures{ch: make(chan error, 1)}
	sinks := []runner.Sink{runner.WriterSink(os.Stdout, os.Stderr), f}
	if cctx.Bool("debug") {
		sinks = append(sinks, runner.ZapSink(logger.Named("events")))
	}
	opts := []runner.Option{runner.WithLogger(logger)}
	if cctx.Bool("lenient") {
		opts = append(opts, runner.WithLenientPreconditions())
	}
	s := runner.New(runner.MultiSink(sinks...), opts...)
	defer s.Close()

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()
	if timeout := cctx.Duration("timeout"); timeout > 0 && !watch {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	go forwardInterrupts(ctx, cancel, s)

	if err := open(ctx, s, cctx.String("endpoint")); err != nil {
		return err
	}

	if !watch {
		code, err := execute(ctx, s, f, path)
		if err != nil {
			return err
		}
		s.Disconnect()
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	}

	changes, err := watchFile(ctx, path, 200*time.Millisecond)
	if err != nil {
		return err
	}
	for {
		if _, err := execute(ctx, s, f, path); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// a failed execution is reported; keep watching
			var exitErr cli.ExitCoder
			if !errors.As(err, &exitErr) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}
	}
}

// forwardInterrupts sends SIGINT to the running file on the first Ctrl-C and gives up on the second.
func forwardInterrupts(ctx context.Context, cancel context.CancelFunc, s *runner.Session) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	interrupted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if interrupted || s.State().ContainerID == "" {
			cancel()
			return
		}
		interrupted = true
		s.Stop(ctx, "SIGINT")
	}
}

func until(ctx context.Context, s *runner.Session, what string, cond func(runner.State) bool) (runner.State, error) {
	st, err := s.Wait(ctx, func(st runner.State) bool { return cond(st) || !st.Open })
	if err != nil {
		return st, fmt.Errorf("waiting for %s: %w", what, err)
	}
	if !cond(st) {
		return st, fmt.Errorf("connection closed while waiting for %s", what)
	}
	return st, nil
}

// open connects to endpoint and brings up a started runner.
func open(ctx context.Context, s *runner.Session, endpoint string) error {
	if err := s.Connect(ctx, endpoint); err != nil {
		return err
	}
	if err := s.Create(ctx); err != nil {
		return err
	}
	_, err := until(ctx, s, "runner", func(st runner.State) bool { return st.ContainerID != "" })
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	_, err = until(ctx, s, "runner to start", func(st runner.State) bool { return st.Phase == runner.Started })
	return err
}

// failures records runner-side failures, such as timeouts, which end an execution without an exit code.
type failures struct {
	ch chan error
}

func (f *failures) Log(string, bool) {}

func (f *failures) LogError(err error) {
	if !errors.Is(err, runner.ErrRunner) && !errors.Is(err, runner.ErrTransport) {
		return
	}
	select {
	case f.ch <- err:
	default:
	}
}

func (f *failures) reset() {
	select {
	case <-f.ch:
	default:
	}
}

// execute uploads the file at path, runs it and returns its exit code.
func execute(ctx context.Context, s *runner.Session, f *failures, path string) (int, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	f.reset()
	if err := s.Upload(ctx, source); err != nil {
		return 0, err
	}
	if err := s.Execute(ctx); err != nil {
		return 0, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-f.ch:
			failed <- err
			cancel()
		case <-waitCtx.Done():
		}
	}()

	st, err := until(waitCtx, s, "execution", func(st runner.State) bool { return st.ExitCode != nil })
	if err != nil {
		select {
		case <-failed:
			// already reported through the sink
			return 0, cli.Exit("", 1)
		default:
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, cli.Exit("timed out", 124)
	}
	if err != nil {
		return 0, err
	}
	return *st.ExitCode, nil
}
