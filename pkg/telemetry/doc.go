// Package telemetry provides observability instrumentation for runplane.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Config.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// # Logging
//
// Loggers are component scoped. The level is process wide and can be changed
// at runtime with SetLevel, which the config watcher does on reload:
//
//	logger := tel.Logger.NewComponentLogger("poller").WithRunID(run.ID)
//	logger.Info("polling started")
//
// Packages that take a zerolog.Logger get one from Logger.Zerolog.
//
// # Tracing
//
// NewTracer installs its provider globally, so spans started through
// otel.Tracer in the orchestrator are exported along with engine spans.
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// Metrics live on a private registry. *Metrics satisfies the recorder
// interfaces of the events, runstate, poller and orchestrator packages, and a
// nil *Metrics records nothing. The exported series are:
//
//	runplane_runs_created_total{kind,local}
//	runplane_run_transitions_total{from,to}
//	runplane_poll_ticks_total{result}
//	runplane_active_pollers
//	runplane_events_published_total{type}
//	runplane_engine_calls_total{engine,operation}
//	runplane_engine_call_duration_seconds{engine,operation}
//	runplane_errors_by_class_total{class}
//	runplane_errors_by_code_total{code}
//
// # Engine instrumentation
//
// InstrumentClient wraps any engine.EngineClient so each Submit, Status and
// Cancel call gets a client span, a duration sample and, on failure, error
// class and code counts:
//
//	client := telemetry.InstrumentClient(httpClient, tel.Metrics, tel.Tracer)
package telemetry
