package iperf

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/execx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Binary     string
	Attempts   int
	RetryDelay time.Duration
	// ResultPath keeps a copy of the last client report; empty disables it.
	ResultPath string
}

// Generator runs iperf3 as the measurement server or client.
type Generator struct {
	run  execx.Runner
	priv execx.Runner
	opts Options

	mu     sync.Mutex
	server execx.Process
}

// NewGenerator takes a plain runner for iperf3 itself and a privileged one for
// killing stray servers.
func NewGenerator(run, priv execx.Runner, opts Options) *Generator {
	if opts.Binary == "" {
		opts.Binary = "iperf3"
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Generator{run: run, priv: priv, opts: opts}
}

// StartServer replaces any running iperf3 server with a fresh one.
func (g *Generator) StartServer(ctx context.Context) error {
	if err := g.StopServer(ctx); err != nil {
		log.Warn().Err(err).Msg("stopping previous iperf3 server")
	}

	p, err := g.run.Start(g.opts.Binary, "-s")
	if err != nil {
		return errors.Wrap(err, "start iperf3 server")
	}

	g.mu.Lock()
	g.server = p
	g.mu.Unlock()
	log.Info().Int("pid", p.Pid()).Msg("iperf3 server started")
	return nil
}

// StopServer stops the tracked server and kills any other iperf3 server left
// behind by an earlier agent run.
func (g *Generator) StopServer(ctx context.Context) error {
	g.mu.Lock()
	p := g.server
	g.server = nil
	g.mu.Unlock()

	var err error
	if p != nil {
		if err = p.Stop(); err == nil {
			log.Info().Int("pid", p.Pid()).Msg("iperf3 server stopped")
		}
	}
	// pkill exits 1 when nothing matched; that is the normal case
	_ = g.priv.Run(ctx, "pkill", "-f", "iperf3.*-s")
	return err
}

func (g *Generator) ServerRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.server != nil
}

// RunClient measures throughput towards server, retrying failed runs.
func (g *Generator) RunClient(ctx context.Context, server string) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= g.opts.Attempts; attempt++ {
		log.Info().Str("server", server).Int("attempt", attempt).Int("max_attempts", g.opts.Attempts).Msg("running iperf3 client")

		res, err := g.runOnce(ctx, server)
		if err == nil {
			log.Info().Float64("sent_mbps", res.SentMbps).Float64("received_mbps", res.ReceivedMbps).Msg("iperf3 test completed")
			return res, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("iperf3 client failed")

		if attempt == g.opts.Attempts {
			break
		}
		select {
		case <-time.After(g.opts.RetryDelay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, errors.Wrapf(lastErr, "iperf3 failed after %d attempts", g.opts.Attempts)
}

func (g *Generator) runOnce(ctx context.Context, server string) (Result, error) {
	out, err := g.run.Output(ctx, g.opts.Binary, "-c", server, "--json")
	if err != nil {
		return Result{}, err
	}
	if g.opts.ResultPath != "" {
		if werr := os.WriteFile(g.opts.ResultPath, out, 0o644); werr != nil {
			log.Warn().Err(werr).Str("path", g.opts.ResultPath).Msg("could not keep iperf3 report")
		}
	}
	return ParseResult(out)
}
