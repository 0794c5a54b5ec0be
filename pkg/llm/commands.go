package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// commandPattern maps a task description to a command without the model.
type commandPattern struct {
	keywords []string
	re       *regexp.Regexp
	build    func(m []string) string
}

var commandPatterns = []commandPattern{
	{
		keywords: []string{"create file", "create a file"},
		re:       regexp.MustCompile(`(?i)create (?:a )?file (?:named |called )?['"]?([\w.\-]+)['"]?(?:.* with contents? ['"]?(.+?)['"]?$)?`),
		build: func(m []string) string {
			return fmt.Sprintf(`echo "%s" > %s`, m[2], m[1])
		},
	},
	{
		keywords: []string{"delete file", "remove file"},
		re:       regexp.MustCompile(`(?i)(?:delete|remove) (?:a |the )?file (?:named |called )?['"]?([\w.\-/]+)['"]?`),
		build: func(m []string) string {
			return "rm " + m[1]
		},
	},
	{
		keywords: []string{"create directory", "create folder"},
		re:       regexp.MustCompile(`(?i)create (?:a |the )?(?:directory|folder) (?:named |called )?['"]?([\w.\-/]+)['"]?`),
		build: func(m []string) string {
			return "mkdir -p " + m[1]
		},
	},
	{
		keywords: []string{"delete directory", "remove directory"},
		re:       regexp.MustCompile(`(?i)(?:delete|remove) (?:a |the )?(?:directory|folder) (?:named |called )?['"]?([\w.\-/]+)['"]?`),
		build: func(m []string) string {
			return "rm -r " + m[1]
		},
	},
	{
		keywords: []string{"show system info", "system information"},
		build: func([]string) string {
			return "system_profiler SPHardwareDataType"
		},
	},
	{
		keywords: []string{"list files", "show files"},
		re:       regexp.MustCompile(`(?i)(?:list|show) files (?:in |from )?(?:the )?(?:directory |folder )?['"]?([\w.\-/~]*)['"]?`),
		build: func(m []string) string {
			dir := "."
			if len(m) > 1 && m[1] != "" {
				dir = m[1]
			}
			return "ls -la " + dir
		},
	},
	{
		keywords: []string{"list processes", "show processes"},
		build: func([]string) string {
			return "ps aux"
		},
	},
	{
		keywords: []string{"kill process"},
		re:       regexp.MustCompile(`(?i)kill (?:the )?process (?:named |called |with pid )?['"]?([\w.\-]+)['"]?`),
		build: func(m []string) string {
			if isDigits(m[1]) {
				return "kill " + m[1]
			}
			return "pkill -f " + m[1]
		},
	},
	{
		keywords: []string{"ping"},
		re:       regexp.MustCompile(`(?i)ping (?:the )?(?:host |ip |address |server )?['"]?([\w.\-]+)['"]?`),
		build: func(m []string) string {
			return "ping -c 4 " + m[1]
		},
	},
	{
		keywords: []string{"open application", "launch application", "start application"},
		re:       regexp.MustCompile(`(?i)(?:open|launch|start) (?:the )?application (?:named |called )?['"]?([\w.\-]+)['"]?`),
		build: func(m []string) string {
			return fmt.Sprintf(`open -a "%s"`, m[1])
		},
	},
}

// CommandGenerator produces a command for a step description. The model is
// asked first when a pool is configured; known task patterns are the
// fallback, and an echo of the description is the last resort.
type CommandGenerator struct {
	pool   *Pool
	logger *telemetry.Logger
}

var _ engine.CommandGenerator = (*CommandGenerator)(nil)

// NewCommandGenerator creates a generator. pool may be nil to use patterns only.
func NewCommandGenerator(pool *Pool, logger *telemetry.Logger) *CommandGenerator {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &CommandGenerator{pool: pool, logger: logger.NewComponentLogger("command-generator")}
}

// GenerateCommand returns a command for description. It never fails.
func (g *CommandGenerator) GenerateCommand(ctx context.Context, description string) (string, error) {
	if g.pool != nil {
		raw, err := g.pool.Generate(ctx, OpGenerateCommand, commandSystemPrompt, "Task: "+description)
		if err == nil {
			if cmd := cleanGeneratedCommand(raw); cmd != "" {
				return cmd, nil
			}
		} else {
			g.logger.WithError(err).Warn("LLM command generation failed, using patterns")
		}
	}

	if cmd := MatchCommandPattern(description); cmd != "" {
		return cmd, nil
	}
	return fmt.Sprintf(`echo "No command generated for: %s"`, strings.ReplaceAll(description, `"`, `'`)), nil
}

// MatchCommandPattern returns the command for a known task pattern, or "".
func MatchCommandPattern(description string) string {
	lower := strings.ToLower(description)
	for _, p := range commandPatterns {
		if !containsAny(lower, p.keywords) {
			continue
		}
		if p.re == nil {
			return p.build(nil)
		}
		if m := p.re.FindStringSubmatch(description); m != nil {
			return p.build(m)
		}
		// The first pattern whose keywords match decides.
		return ""
	}
	return ""
}

// cleanGeneratedCommand strips markdown fences and backticks from a model
// response and keeps its first non-empty line.
func cleanGeneratedCommand(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
	}
	if strings.HasPrefix(text, "tell application") {
		return text
	}
	for _, line := range strings.Split(text, "\n") {
		if line = cleanCommand(line); line != "" {
			return line
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
