// Package config loads kiln.cue, the operator configuration of kiln.
//
// A configuration is CUE unified with a closed built-in #Config definition
// that supplies every default, so an empty file is a valid configuration.
// After CUE evaluation the decoded Config is checked again with struct tags
// (go-playground/validator) for rules CUE does not express well, such as
// ssh settings being required for ssh targets.
//
// Example:
//
//	registry: "./registry"
//	ledger: backend: "jsonl"
//	install: parallelism: 8
//	targets: {
//		local: {}
//		build: {
//			kind: "ssh"
//			ssh: {host: "build.internal", user: "ops", keyPath: "~/.ssh/id_ed25519"}
//			capacity: {memoryMB: 16384, gpu: true}
//		}
//	}
//	policy: modules: ["policies/"]
//	secrets: dotenv: ".env"
//
// Relative paths resolve against the directory of the configuration file and
// a leading ~ expands to the home directory. Errors are engine config errors
// carrying the file and field in their details.
package config
