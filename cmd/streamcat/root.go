package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chatstream/internal/config"
	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/observability"
	"github.com/ent0n29/chatstream/internal/sse"
	"github.com/ent0n29/chatstream/internal/stream"
	"github.com/ent0n29/chatstream/internal/transport"
)

type options struct {
	configPath   string
	chunkSize    int
	jitter       bool
	seed         int64
	delay        time.Duration
	dialect      string
	interval     time.Duration
	initialChars int
	plainText    bool
	closeMarkup  bool
	finalOnly    bool
	logLevel     string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "streamcat [file|-]",
		Short: "Replay a captured chat stream through the reassembly engine",
		Long: "streamcat cuts a captured SSE or NDJSON response into reads of a chosen size and\n" +
			"feeds it through the same splitter, parser, extractor and render throttler the relay\n" +
			"uses, printing every throttled render.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(stdin, args)
			if err != nil {
				return err
			}
			if err := applyConfig(cmd, &opts); err != nil {
				return err
			}
			return replay(cmd.Context(), data, opts, stdout, stderr)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	defaults := config.Default()
	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config whose upstream and stream settings are used as defaults")
	flags.IntVar(&opts.chunkSize, "chunk-size", 64, "Bytes per read (0 reads everything at once)")
	flags.BoolVar(&opts.jitter, "jitter", false, "Use random read sizes up to --chunk-size")
	flags.Int64Var(&opts.seed, "seed", 1, "Seed for --jitter")
	flags.DurationVar(&opts.delay, "delay", 0, "Pause between reads")
	flags.StringVar(&opts.dialect, "dialect", defaults.Upstream.Dialect, "Stream dialect: sse or lines")
	flags.DurationVar(&opts.interval, "interval", defaults.Stream.RenderInterval, "Minimum spacing between renders")
	flags.IntVar(&opts.initialChars, "initial-chars", defaults.Stream.InitialBufferChars, "Characters to buffer before the first render")
	flags.BoolVar(&opts.plainText, "plain-text", defaults.Upstream.PlainText, "Treat non-JSON lines as content (lines dialect)")
	flags.BoolVar(&opts.closeMarkup, "close-markup", defaults.Stream.CloseDanglingMarkup, "Close dangling markdown when the stream is cut short")
	flags.BoolVar(&opts.finalOnly, "final", false, "Print only the final text")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Engine log level")

	return rootCmd
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	return data, nil
}

// applyConfig fills every flag the user did not set from the config file.
func applyConfig(cmd *cobra.Command, opts *options) error {
	if opts.configPath == "" {
		return nil
	}
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("dialect") {
		opts.dialect = cfg.Upstream.Dialect
	}
	if !flags.Changed("plain-text") {
		opts.plainText = cfg.Upstream.PlainText
	}
	if !flags.Changed("interval") {
		opts.interval = cfg.Stream.RenderInterval
	}
	if !flags.Changed("initial-chars") {
		opts.initialChars = cfg.Stream.InitialBufferChars
	}
	if !flags.Changed("close-markup") {
		opts.closeMarkup = cfg.Stream.CloseDanglingMarkup
	}
	return nil
}

func replay(ctx context.Context, data []byte, opts options, stdout, stderr io.Writer) error {
	if opts.interval <= 0 {
		return errors.New("--interval must be positive")
	}
	logger, err := observability.NewLogger(opts.logLevel, "console", stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stats := &replayStats{stages: make(map[sse.Stage]int)}
	engine := stream.New(&transport.Replay{
		Data:      data,
		ChunkSize: opts.chunkSize,
		Jitter:    opts.jitter,
		Seed:      opts.seed,
		Delay:     opts.delay,
	}, stream.Options{
		Dialect:             sse.ParseDialect(opts.dialect),
		PlainText:           opts.plainText,
		RenderInterval:      opts.interval,
		MinInitialChars:     opts.initialChars,
		CloseDanglingMarkup: opts.closeMarkup,
		Observer:            stream.Observers{observability.NewLogObserver(logger), stats},
	})

	start := time.Now()
	renders := 0
	final := engine.Start(ctx, stream.Request{}, stream.Handlers{
		OnDelta: func(text, _ string) {
			renders++
			if !opts.finalOnly {
				fmt.Fprintf(stdout, "--- render %d +%s\n%s\n", renders, time.Since(start).Round(time.Millisecond), text)
			}
		},
	}).Wait()

	if opts.finalOnly {
		fmt.Fprintln(stdout, final.Text)
	}
	fmt.Fprintf(stderr, "status=%s renders=%d %s dropped=%d elapsed=%s\n",
		final.Status, renders, stats.summary(), stats.dropped, time.Since(start).Round(time.Millisecond))

	if final.Status == delta.StatusErrored && final.Err != nil {
		return fmt.Errorf("stream failed: %s", final.Err.Error())
	}
	return nil
}

// replayStats counts frames per parse stage.
type replayStats struct {
	stream.NopObserver

	mu      sync.Mutex
	stages  map[sse.Stage]int
	dropped int
}

func (s *replayStats) FrameParsed(_ string, stage sse.Stage, _ string) {
	s.mu.Lock()
	s.stages[stage]++
	s.mu.Unlock()
}

func (s *replayStats) FrameDropped(string, error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *replayStats) summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.stages))
	for stage, n := range s.stages {
		parts = append(parts, fmt.Sprintf("%s=%d", stage, n))
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return "frames=0"
	}
	return "frames[" + strings.Join(parts, " ") + "]"
}
