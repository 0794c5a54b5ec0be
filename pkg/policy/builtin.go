package policy

import (
	"embed"
	"fmt"
	"time"
)

//go:embed builtin/*.rego
var builtinFS embed.FS

// Names of the built-in policies.
const (
	PolicyCommandBlacklist      = "command-blacklist"
	PolicyDestructiveOperations = "destructive-operations"
	PolicyRiskyOperations       = "risky-operations"
	defaultExplanation          = "This command has been identified as potentially risky, but no specific explanation is available."
	evaluationFailedExplanation = "Safety policies could not be evaluated for this command."
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		builtinPolicy(PolicyCommandBlacklist, "builtin/command_blacklist.rego", SeverityCritical,
			"Blocks exact blacklisted commands such as rm -rf / and fork bombs", "blacklist"),
		builtinPolicy(PolicyDestructiveOperations, "builtin/destructive_operations.rego", SeverityError,
			"Blocks deletion of the root or home directory, writes to system directories, raw disk writes and credential access", "destructive"),
		builtinPolicy(PolicyRiskyOperations, "builtin/risky_operations.rego", SeverityWarning,
			"Requires confirmation for sudo, recursive deletes, process kills, power management, disk tools and permission changes", "confirmation"),
	}
}

func builtinPolicy(name, file string, severity Severity, description string, tags ...string) Policy {
	src, err := builtinFS.ReadFile(file)
	if err != nil {
		// The files are embedded at build time.
		panic(fmt.Sprintf("missing built-in policy %s: %v", file, err))
	}
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        string(src),
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        append([]string{"safety"}, tags...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
