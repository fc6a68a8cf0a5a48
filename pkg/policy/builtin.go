package policy

// Builtins returns the capacity admission policies. A capacity of zero is
// unknown and never enforced.
func Builtins() []Policy {
	return []Policy{
		memoryPolicy(),
		diskPolicy(),
		gpuPolicy(),
	}
}

func memoryPolicy() Policy {
	return Policy{
		Name:        "memory-capacity",
		Description: "Extension memory requirement must fit the target",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kiln.admission.memory

deny contains violation if {
	available := input.target.capacity.memory_mb
	available > 0
	needed := input.extension.requirements.memory_mb
	needed > available
	violation := {
		"message": sprintf("%s needs %v MB of memory, target %s offers %v MB", [input.extension.name, needed, input.target.name, available]),
		"severity": "error",
	}
}
`,
	}
}

func diskPolicy() Policy {
	return Policy{
		Name:        "disk-capacity",
		Description: "Extension disk requirement must fit the target",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kiln.admission.disk

deny contains violation if {
	available := input.target.capacity.disk_mb
	available > 0
	needed := input.extension.requirements.disk_mb
	needed > available
	violation := {
		"message": sprintf("%s needs %v MB of disk, target %s offers %v MB", [input.extension.name, needed, input.target.name, available]),
		"severity": "error",
	}
}
`,
	}
}

func gpuPolicy() Policy {
	return Policy{
		Name:        "gpu-required",
		Description: "Extensions that need a GPU only go to targets that declare one",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package kiln.admission.gpu

deny contains violation if {
	input.extension.requirements.gpu
	input.target.declared
	not input.target.capacity.gpu
	violation := {
		"message": sprintf("%s requires a GPU, target %s has none", [input.extension.name, input.target.name]),
		"severity": "error",
	}
}
`,
	}
}
