// Package api serves the orchestrator over HTTP with gin.
//
// Operations that go on to execute steps (accept, continue, confirm,
// observation and feedback) run in the background under the server's
// context. A handler waits briefly for them: failures that happen before any
// step runs are answered with the matching status code, anything still
// running afterwards is answered with 202 Accepted and reported on the event
// stream at /api/events.
//
// Engine errors map to 404 for unknown plans, steps and commands, 409 for
// invalid plan states and busy plans, 400 for bad input and 500 otherwise.
package api
