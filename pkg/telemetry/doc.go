// Package telemetry provides observability for kiln.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process feed of ledger events.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Component loggers carry run, target and extension fields:
//
//	logger := tel.Logger.NewComponentLogger("installer").
//	    WithRunID(runID).
//	    WithTarget("local")
//	logger.WithExtension("docker", "24.0.7").Info("installing")
//
// Metrics are registered on a private registry. A disabled Metrics value
// accepts every call and records nothing, so components never nil-check:
//
//	tel.Metrics.RecordFetch("hit", 0)
//	tel.Metrics.RecordOutcome("local", "installed")
//
// The event feed delivers every appended ledger event to subscribers in
// order, on a single goroutine:
//
//	tel.Events.Subscribe(func(ev engine.Event) {
//	    fmt.Printf("%s %s\n", ev.Extension, ev.Phase)
//	}, telemetry.FilterByTarget("local"))
//
// StartOperation wraps a span, a logger and a timer:
//
//	ic := telemetry.StartOperation(ctx, "install", telemetry.AttrProfile.String("minimal"))
//	defer func() { ic.End(err) }()
package telemetry
