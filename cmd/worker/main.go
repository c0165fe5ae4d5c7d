// Command worker runs the artifact cache, layer resolution, and job
// dispatch loop described by internal/cache, internal/layer, and
// internal/dispatch, wired against a real HTTP-backed fetcher and the
// namespaces reference executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/thomascherickal/maelstrom/internal/broker"
	"github.com/thomascherickal/maelstrom/internal/cache"
	"github.com/thomascherickal/maelstrom/internal/config"
	"github.com/thomascherickal/maelstrom/internal/dispatch"
	"github.com/thomascherickal/maelstrom/internal/executor"
	"github.com/thomascherickal/maelstrom/internal/executor/namespaces"
	"github.com/thomascherickal/maelstrom/internal/fetch"
)

func main() {
	configPath := flag.String("config", "/etc/maelstrom/worker.json", "path to worker config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.G(ctx).WithError(err).Error("worker: exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	c, err := cache.Open(ctx, cfg.CacheRoot, cfg.CacheSize)
	if err != nil {
		return fmt.Errorf("worker: open cache: %w", err)
	}

	tf := fetch.NewTarFetcher(http.DefaultClient, cfg.BrokerAddr, int64(cfg.Slots*2))

	d := dispatch.New(dispatch.Opt{
		Cache:      c,
		Capability: tf.Capability(),
		Executor:   namespaces.New(),
		Timer:      executor.RealTimer{},
		Sink:       broker.NewLoggingSink(),
		Slots:      cfg.Slots,
	})
	c.OnFatal(d.Fatal)

	go reportStats(ctx, c)

	go d.Run(ctx)
	<-ctx.Done()
	d.Shutdown()

	select {
	case <-d.Stopped():
	case <-time.After(5 * time.Second):
		log.G(ctx).Warn("worker: dispatcher did not stop within grace period")
	}
	return d.Err()
}

func reportStats(ctx context.Context, c *cache.Cache) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := c.Stats()
			log.G(ctx).WithField("bytes_used", s.TotalBytesUsed).
				WithField("target", s.Target).
				WithField("downloading", s.Downloading).
				WithField("in_use", s.InUse).
				WithField("in_heap", s.InHeap).
				Info("worker: cache stats")
		}
	}
}
