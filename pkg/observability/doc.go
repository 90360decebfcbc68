// Package observability exports scheduler telemetry.
//
// Provider sends spans and operation metrics over OTLP/gRPC. The kernel
// wraps each tick, goal pass and execution in TrackOperation; the serve
// command feeds scheduler events to RecordEvent:
//
//	p, err := observability.New(ctx, cfg)
//	defer p.Shutdown(ctx)
//	sched.Subscribe(func(e kernel.Event) { p.RecordEvent(ctx, string(e.Type), e.Status) })
//
// SchedulerCollector exposes scheduler statistics to Prometheus scrapes
// independently of OTLP export:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(observability.NewSchedulerCollector(sched))
//	mux.Handle("GET /metrics", observability.Handler(reg))
package observability
