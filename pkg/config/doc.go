// Package config loads the autopilot configuration.
//
// Values come from three layers, later layers winning: the defaults returned
// by Default, an optional YAML file, and environment variables. The result is
// validated with struct tags.
//
// Example file:
//
//	llm:
//	  provider: gemini
//	  model: gemini-2.0-flash
//	  timeout: 60s
//	  pool_size: 4
//	execution:
//	  timeout: 300s
//	  human_validation_required: false
//	storage:
//	  backend: sqlite
//	  path: data/autopilot.db
//	  cache_capacity: 100
//	policy:
//	  paths: [policies]
//	  watch: true
//	server:
//	  listen_address: ":5000"
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//
// Recognized environment variables include GEMINI_API_KEY, GOOGLE_API_KEY,
// OPENAI_API_KEY, GEMINI_MODEL, LLM_PROVIDER, LLM_TIMEOUT, LLM_POOL_SIZE,
// MAX_EXECUTION_TIME, HUMAN_VALIDATION_REQUIRED, SUMMARIZE_PROGRESS,
// AUTO_REVISE, LOG_DIR and LOG_LEVEL. Durations given in the environment are
// seconds unless they carry a unit.
package config
