// Package stores persists plans, events and operator audit entries.
//
// PlanStore is a bounded LRU cache in front of a Durable backend. Two
// backends exist: FileStore writes one JSON document per plan with an atomic
// rename, and SQLiteStore keeps plans, orchestrator events and audit entries
// in SQLite with embedded migrations.
package stores
