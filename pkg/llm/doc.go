// Package llm talks to language models on behalf of the orchestrator.
//
// Every call goes through a Pool, which bounds concurrency with a weighted
// semaphore and enforces a hard per-call timeout. Planner, Verifier,
// Summarizer and CommandGenerator build prompts, call the pool and turn the
// responses into engine types with Parser.
//
// Two clients are provided: GeminiClient (google.golang.org/genai) and
// LangChainClient, which wraps any langchaingo model and is used for OpenAI
// and OpenAI-compatible endpoints.
package llm
