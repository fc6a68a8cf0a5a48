// Package policy decides whether an extension may be installed on a target
// using Open Policy Agent (OPA) Rego modules.
//
// Every policy is a module whose package defines a `deny` set. Each member
// is either a message string or an object with `message` and an optional
// `severity`. Members with severity error or critical deny admission; info
// and warning members are reported but do not block.
//
// # Input
//
// Policies see the extension and the target:
//
//	{
//	  "operation": "install",
//	  "extension": {"name": "cuda", "version": "12.4", "category": "gpu",
//	                "dependencies": [], "requirements": {"memory_mb": 2048,
//	                "disk_mb": 8192, "install_time": 0, "gpu": true}},
//	  "target": {"name": "build-01", "os": "linux", "arch": "amd64",
//	             "capacity": {"memory_mb": 16384, "disk_mb": 0, "gpu": false},
//	             "declared": true}
//	}
//
// A capacity field of zero means unknown; `declared` is false when the
// target advertises no capacity at all.
//
// # Built-in Policies
//
//  1. memory-capacity - memory requirement must fit the target
//  2. disk-capacity - disk requirement must fit the target
//  3. gpu-required - GPU extensions need a target that declares a GPU
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, policy.Config{Paths: []string{"/etc/kiln/policies"}})
//	if err != nil {
//	    return err
//	}
//	if _, err := eng.Admit(ctx, policy.NewInput(manifest, target, info)); err != nil {
//	    // errors.Is(err, engine.ErrPolicyDenied)
//	}
//
// Custom .rego files are named after their file; .json files carry a full
// Policy definition with name, severity and rego source.
package policy
