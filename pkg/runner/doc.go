// Package runner executes plan commands on the local host.
//
// Shell commands run as "<shell> -c <command>" in a new process group so a
// timeout kills every child the command spawned. Commands starting with
// "tell application" are passed to osascript. Failures never surface as Go
// errors; they are encoded in engine.ExecutionResult.
package runner
