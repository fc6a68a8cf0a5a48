package config

// configSchema is the CUE definition every kiln.cue is unified with. It is
// closed, so unknown fields are rejected, and it carries every default.
const configSchema = `
#Config: {
	// registry is the directory holding extensions/ and profiles.yaml.
	registry: *"./registry" | string
	cacheDir: *"~/.cache/kiln" | string

	ledger: {
		backend: *"sqlite" | "jsonl"
		dir:     *"~/.local/state/kiln" | string
	}

	install: {
		parallelism:     *4 | int & >=1 & <=64
		safetyFactor:    *3 | number & >=1
		continueOnError: *false | bool
	}

	distribution: {
		// attempts counts every try, the first one included.
		attempts: *3 | int & >=1 & <=10
		backoff:  *"2s" | =~"^[0-9]+(ms|s|m)$"
		keyring?: string
	}

	targets?: [Name=string]: #Target

	policy: {
		modules:         *[] | [...string]
		disableBuiltins: *false | bool
	}

	secrets?: {
		dotenv: string
	}

	telemetry: {
		logLevel:       *"info" | "trace" | "debug" | "warn" | "error"
		logFormat:      *"console" | "json"
		metrics:        *false | bool
		metricsAddress: *":9464" | string
		tracing: {
			enabled:   *false | bool
			exporter:  *"none" | "stdout" | "otlp"
			endpoint?: string
		}
	}
}

#Target: {
	kind:     *"local" | "ssh"
	workDir?: string
	env?: [string]: string
	capacity?: {
		memoryMB?: int & >=0
		diskMB?:   int & >=0
		gpu?:      bool
	}
	ssh?: #SSH
}

#SSH: {
	host:        string & !=""
	port:        *22 | int & >0 & <65536
	user:        string & !=""
	keyPath?:    string
	knownHosts?: string
	timeout:     *"30s" | =~"^[0-9]+(ms|s|m)$"
}
`
