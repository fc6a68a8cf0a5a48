package telemetry_test

import (
	"context"
	"fmt"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Example_eventFeed shows subscribing to lifecycle events.
func Example_eventFeed() {
	cfg := telemetry.DefaultConfig()
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}

	tel.Events.Subscribe(func(ev engine.Event) {
		fmt.Printf("%s -> %s\n", ev.Extension, ev.Phase)
	}, telemetry.FilterByPhase(engine.PhaseInstalled, engine.PhaseFailed))

	_ = tel.Events.Publish(engine.Event{Extension: "docker", Phase: engine.PhaseFetching})
	_ = tel.Events.Publish(engine.Event{Extension: "docker", Phase: engine.PhaseInstalled})
	_ = tel.Events.Publish(engine.Event{Extension: "python", Phase: engine.PhaseFailed})

	_ = tel.Shutdown(context.Background())

	// Output:
	// docker -> installed
	// python -> failed
}

// Example_componentLogger shows structured logging with kiln fields.
func Example_componentLogger() {
	logger := telemetry.Nop().
		NewComponentLogger("installer").
		WithRunID("run-1").
		WithTarget("local")

	logger.WithExtension("docker", "24.0.7").Info("installing")
	fmt.Println("logged")
	// Output: logged
}
