// Package engine provides the core types shared by kiln's components.
//
// # Overview
//
// kiln installs extensions (toolchains, runtimes, CLIs) onto targets. An
// operation flows through the components in this order:
//
//  1. Registry - load and validate extension manifests and profiles
//  2. Resolve - expand a request into a dependency-ordered InstallPlan
//  3. Fetch - download and verify artifacts (Artifact)
//  4. Configure - render variables, environment and templates
//  5. Execute - run lifecycle hooks on a TargetExecutor
//  6. Record - append every phase change to the ledger (Event, Status)
//
// # Core Domain Types
//
//   - ExtensionManifest: one installable unit with dependencies, requirements and hooks
//   - Profile: a named set of extensions
//   - InstallPlan: the resolved closure of a request with order and levels
//   - Target / TargetExecutor: where commands run (local shell, SSH)
//   - Event / Status: ledger entries and the status folded from them
//   - Report: per-extension outcomes of one install or uninstall run
//   - Bom: the bill of materials of a target
//
// # Dependency Graphs
//
// DAGBuilder detects cycles, computes a deterministic topological order
// (ties broken by name) and groups nodes into levels whose members have no
// dependency path between them:
//
//	b := engine.NewDAGBuilder()
//	b.AddNode("docker", "cli-base")
//	b.AddNode("cli-base")
//	graph, err := b.Build("docker")
//
// # Error Classification
//
// Every error produced by kiln is an *EngineError carrying a Class and a
// Code. The class drives handling:
//
//   - Config: bad input; fix the configuration or manifest
//   - Resolution: cycles, missing extensions, conflicts, constraints
//   - Transient: network and I/O failures worth retrying
//   - Security: checksum, signature or host key failures; never retried
//   - Execution: a hook or validation command failed on the target
//   - Storage: the ledger could not be read or written
//   - Cancelled: the operation was interrupted
//
// errors.Is matches on class and code, so sentinel values such as
// ErrChecksumMismatch work through wrapping:
//
//	if errors.Is(err, engine.ErrChecksumMismatch) {
//	    // refuse the artifact
//	}
//
// # Phases
//
// Each (target, extension) pair moves through the phases of a state
// machine: Requested, Fetching, Configuring, Installing, Validating and
// Installed on the way in, Removing and Removed on the way out, and Failed
// from anywhere once requested. ValidateTransition rejects any other edge.
package engine
