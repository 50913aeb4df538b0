package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/pzhenzhou/shardconn/pkg/backendconn"
	"github.com/pzhenzhou/shardconn/pkg/common"
	"github.com/pzhenzhou/shardconn/pkg/diagnostics"
	"github.com/pzhenzhou/shardconn/pkg/metrics"
	"github.com/pzhenzhou/shardconn/pkg/resolver"
)

const banner = `

	 ______     __  __     ______     ______     _____     ______     ______     __   __     __   __
	/\  ___\   /\ \_\ \   /\  __ \   /\  == \   /\  __-.  /\  ___\   /\  __ \   /\ "-.\ \   /\ "-.\ \
	\ \___  \  \ \  __ \  \ \  __ \  \ \  __<   \ \ \/\ \ \ \ \____  \ \ \/\ \  \ \ \-.  \  \ \ \-.  \
	 \/\_____\  \ \_\ \_\  \ \_\ \_\  \ \_\ \_\  \ \____-  \ \_____\  \ \_____\  \ \_\\"\_\  \ \_\\"\_\
	  \/_____/   \/_/\/_/   \/_/\/_/   \/_/ /_/   \/____/   \/_____/   \/_____/   \/_/ \/_/   \/_/ \/_/

`

const demoCookie = "demo-backend"

var log = common.InitLogger().WithName("democlient")

type demoConfig struct {
	common.ClientConfig
	RequestCount int           `help:"Number of demo requests to fire" default:"20"`
	EchoDelay    time.Duration `help:"Simulated backend latency for each echoed request" default:"50ms"`
	MaxMessages  int           `help:"Simulated backend's in-flight window (BackendInfo.MaxMessages)" default:"4"`
}

func main() {
	var cfg demoConfig
	kctx := kong.Parse(&cfg)
	if err := cfg.Validate(); err != nil {
		kctx.FatalIfErrorf(err)
	}
	fmt.Print(banner)
	log.Info("democlient starting", "config", cfg)

	var metricsMiddleware *metrics.ConnectionMetricsMiddleware
	if cfg.Metrics.Enable {
		collector, err := metrics.NewMetricsCollector(metrics.NewInMemoryConfig(cfg.NodeID))
		if err != nil {
			log.Error(err, "failed to initialize metrics collector")
			os.Exit(1)
		}
		metricsMiddleware = metrics.NewConnectionMetricsMiddleware(collector)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	behaviorOpts := []backendconn.Option{backendconn.WithLogger(log)}
	if metricsMiddleware != nil {
		mw := metricsMiddleware
		behaviorOpts = append(behaviorOpts, backendconn.WithStateChangeObserver(func(cookie, state string) {
			mw.TrackStateTransition(cookie, state)
		}))
	}

	info := backendconn.BackendInfo{Endpoint: "loopback", ABIVersion: 1, MaxMessages: cfg.MaxMessages}
	behavior := backendconn.NewClientBehavior(ctx, resolver.NewStaticResolver(info), nil, behaviorOpts...)
	transport := newLoopbackTransport(behavior, demoCookie, cfg.EchoDelay)
	behavior.SetTransport(transport)

	var diagSrv *diagnostics.Server
	if cfg.Diagnostics.Enable {
		diagSrv = diagnostics.NewServer(cfg.Diagnostics, behavior)
		go func() {
			if err := diagSrv.Start(); err != nil {
				log.Error(err, "diagnostics server exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		runDemoBurst(ctx, behavior, cfg.RequestCount)
		close(done)
	}()

	select {
	case <-done:
		log.Info("demo burst complete")
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if diagSrv != nil {
		diagSrv.Shutdown(shutdownCtx)
	}
	if err := behavior.Shutdown(); err != nil {
		log.Error(err, "error shutting down client behavior")
	}
}

// runDemoBurst fires requestCount requests through behavior and waits for
// every callback, logging responses and any throttling it observes.
func runDemoBurst(ctx context.Context, behavior *backendconn.ClientBehavior, requestCount int) {
	var wg sync.WaitGroup
	wg.Add(requestCount)
	for i := 0; i < requestCount; i++ {
		i := i
		start := time.Now()
		err := behavior.SendRequest(ctx, demoCookie, fmt.Sprintf("request-%d", i), func(response any, err error) {
			defer wg.Done()
			if err != nil {
				log.Error(err, "request failed", "index", i)
				return
			}
			log.Info("request completed", "index", i, "response", response, "elapsed", time.Since(start))
		})
		if err != nil {
			log.Error(err, "send request failed", "index", i)
			wg.Done()
		}
	}
	wg.Wait()
}
