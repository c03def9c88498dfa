// Hush is a notification triage engine: it decides which incoming
// notifications interrupt the user now, which wait for a digest, and which
// are dropped as noise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	hc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/eventapi"
	"github.com/linnemanlabs/hush/internal/notify/logsink"
	"github.com/linnemanlabs/hush/internal/notify/slack"
	"github.com/linnemanlabs/hush/internal/postgres"
	"github.com/linnemanlabs/hush/internal/scheduler"
	"github.com/linnemanlabs/hush/internal/transport/redisfwd"
	"github.com/linnemanlabs/hush/internal/triage"
)

const appName = "hush"
const component = "server"

// config gathers the flag-backed configs of every package main wires.
type config struct {
	app    hc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// loadConfig parses flags, then fills unset ones from HUSH_* env vars, then
// validates. showVersion reports -V, in which case nothing is validated.
func loadConfig() (c *config, showVersion bool, err error) {
	c = &config{}
	fs := flag.CommandLine
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		return nil, true, nil
	}

	cfg.FillFromEnv(fs, "HUSH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return nil, false, fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return nil, false, fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return c, false, nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	c, showVersion, err := loadConfig()
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	appCfg := &c.app

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting hush",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", c.ops.Port,
		"enable_pprof", c.ops.EnablePprof,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"otlp_endpoint", c.trace.OTLPEndpoint,
		"trusted_proxy_hops", c.httpmw.TrustedProxyHops,
		"queue_size", appCfg.QueueSize,
		"poll_interval", appCfg.PollInterval.String(),
		"timezone", appCfg.Timezone,
		"policy_file", appCfg.PolicyFile,
	)
	if appCfg.APIToken == "" {
		L.Warn(ctx, "api-token not set, command API is unauthenticated")
	}

	// profiling first so the whole process lifetime is covered
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && c.prof.EnablePyroscope)

	st, closeStore, err := openStore(ctx, appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hush_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	triageMetrics := triage.NewMetrics(m.Registry())

	policy, err := triage.NewPolicyStore(ctx, st, L, triage.WithPolicyHooks(triageMetrics.PolicyHooks()))
	if err != nil {
		return fmt.Errorf("policy store init: %w", err)
	}

	policyFile, err := hc.LoadPolicyFile(appCfg.PolicyFile)
	if err != nil {
		return err
	}
	if err := policyFile.Seed(ctx, policy); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}
	snap := policy.Policies()
	L.Info(ctx, "policies loaded",
		"vips", len(snap.VIPs),
		"keywords", len(snap.Keywords),
		"suppress_patterns", len(snap.SuppressPatterns),
		"muted", len(snap.Muted),
	)

	var sink triage.Sink
	if appCfg.SlackWebhookURL != "" {
		sink = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "alert sink enabled", "type", "slack")
	} else {
		sink = logsink.New(L)
		L.Info(ctx, "alert sink enabled", "type", "log")
	}

	pipelineOpts := []triage.PipelineOption{
		triage.WithPipelineHooks(triageMetrics.PipelineHooks()),
		triage.WithPollInterval(appCfg.PollInterval),
	}

	// recorded events are mirrored to a redis stream when configured
	var (
		forwarder *redisfwd.Forwarder
		fwdDone   = make(chan struct{})
		fwdCancel = context.CancelFunc(func() {})
	)
	if appCfg.RedisAddr != "" {
		pub, err := redisfwd.Dial(ctx, appCfg.RedisAddr, appCfg.RedisStream)
		if err != nil {
			return fmt.Errorf("redis forwarder: %w", err)
		}
		defer func() { _ = pub.Close() }()

		forwarder = redisfwd.New(pub, redisfwd.Config{}, L,
			redisfwd.WithHooks(redisfwd.NewMetrics(m.Registry()).Hooks()))
		m.Registry().MustRegister(redisfwd.PendingGauge(forwarder))
		pipelineOpts = append(pipelineOpts, triage.WithForwarder(forwarder))

		var fwdCtx context.Context
		fwdCtx, fwdCancel = context.WithCancel(context.WithoutCancel(ctx))
		go func() {
			defer close(fwdDone)
			_ = forwarder.Run(fwdCtx)
		}()
		L.Info(ctx, "event forwarding enabled", "redis_addr", appCfg.RedisAddr, "stream", pub.Stream())
	} else {
		close(fwdDone)
	}
	defer fwdCancel()

	engine := triage.NewEngine(policy)
	pipeline := triage.NewPipeline(st, engine, sink, L, pipelineOpts...)
	digester := triage.NewDigester(st, sink, L, triage.WithDigestHooks(triageMetrics.DigestHooks()))
	queue := triage.NewQueueSource(appCfg.QueueSize)
	m.Registry().MustRegister(triage.QueueDepthGauge(queue))
	svc := triage.NewService(policy, st, pipeline, digester, queue, L)

	// the ingestion task is detached from the signal context; shutdown closes
	// the queue and lets it finish what is already queued
	pipelineCtx, pipelineCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pipelineCancel()
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := pipeline.Run(pipelineCtx, queue); err != nil {
			L.Error(pipelineCtx, err, "ingestion pipeline failed")
		}
	}()

	sched := scheduler.New(L,
		scheduler.WithLocation(appCfg.Location()),
		scheduler.WithHooks(scheduler.NewMetrics(m.Registry()).Hooks()),
	)
	jobs, err := policyFile.Jobs(svc, L)
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			return fmt.Errorf("register job %s: %w", j.ID, err)
		}
	}
	sched.Start(context.WithoutCancel(ctx))

	// readiness fails once the gate is set so traffic drains before exit
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	h := newAPIHandler(apiDeps{
		logger:      L,
		api:         eventapi.New(L, svc, sched),
		token:       appCfg.APIToken,
		trustedHops: c.httpmw.TrustedProxyHops,
		instrument:  m.Middleware,
		healthz:     health.HealthzHandler(liveness),
		readyz:      health.ReadyzHandler(readiness),
	})

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", apiHTTPStop},
		{"ingestion pipeline", func(ctx context.Context) error {
			queue.Close()
			return waitDone(ctx, pipelineDone, pipelineCancel)
		}},
		{"scheduler", sched.Stop},
		{"forwarder", func(ctx context.Context) error {
			if forwarder != nil {
				forwarder.Close()
			}
			return waitDone(ctx, fwdDone, fwdCancel)
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})

	if stopProf != nil {
		stopProf()
	}
	L.Info(context.Background(), "shutdown complete")
	return nil
}
