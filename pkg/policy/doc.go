// Package policy decides whether shell commands proposed by a plan may run.
//
// Commands are evaluated against Rego policies with Open Policy Agent. Three
// built-in policies ship with the binary:
//
//   - command-blacklist (critical): commands that are never allowed, such as
//     "rm -rf /" or piping a download into a shell
//   - destructive-operations (error): writes to system directories, raw disk
//     writes and access to credential files
//   - risky-operations (warning): sudo, process killing, power management and
//     similar commands that need operator confirmation
//
// Error and critical violations block a command. Warnings mark it risky.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	gate := policy.NewGate(eng, logger)
//	verdict := gate.Assess(ctx, "sudo softwareupdate -i -a")
//	// verdict.Safe == true, verdict.Risky == true
//
// # Custom policies
//
// Additional policies are loaded from .rego files or .json definitions. A JSON
// file may hold a single policy or a bundle with a "policies" array. Every
// policy must define a "deny" set in rego v1 syntax:
//
//	# Homebrew is managed by IT.
//	# severity: error
//	package custom.nobrew
//
//	deny contains "Homebrew is not allowed on this machine." if {
//	    startswith(input.command, "brew ")
//	}
//
// The input document carries "command", "placeholder" and "context".
// Engine.Watch reloads custom policies when files under the given paths change.
package policy
