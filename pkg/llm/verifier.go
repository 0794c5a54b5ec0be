package llm

import (
	"context"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// Verifier judges step results with the model.
type Verifier struct {
	pool   *Pool
	parser *Parser
	logger *telemetry.Logger
}

var _ engine.ResultVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier.
func NewVerifier(pool *Pool, logger *telemetry.Logger) *Verifier {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Verifier{pool: pool, parser: NewParser(), logger: logger.NewComponentLogger("verifier")}
}

// Verify returns the model's judgment. An unusable response yields a
// verification that falls back to the raw outcome and carries the parse
// error code; only a failed LLM call returns an error.
func (v *Verifier) Verify(ctx context.Context, req engine.VerifyRequest) (engine.Verification, error) {
	raw, err := v.pool.Generate(ctx, OpVerifyResult, verifySystemPrompt, buildVerifyPrompt(req))
	if err != nil {
		return engine.Verification{}, err
	}

	ver, perr := v.parser.ParseVerification(raw, req.RawSucceeded)
	if perr != nil {
		v.logger.WithError(perr).Warn("Verification response unusable, falling back to exit status")
	}
	return ver, nil
}
