package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMatchCommandPattern(t *testing.T) {
	tests := map[string]string{
		"Create a file named notes.txt with content hello": `echo "hello" > notes.txt`,
		"Delete file old.log":                               "rm old.log",
		"Create directory backups":                          "mkdir -p backups",
		"Remove directory build":                            "rm -r build",
		"Show system info":                                  "system_profiler SPHardwareDataType",
		"List files in ~/Documents":                         "ls -la ~/Documents",
		"List processes":                                    "ps aux",
		"Kill process 1234":                                 "kill 1234",
		"Kill process Safari":                               "pkill -f Safari",
		"Ping google.com":                                   "ping -c 4 google.com",
		"Open application Safari":                           `open -a "Safari"`,
		"Compose a haiku":                                   "",
	}

	for description, expected := range tests {
		t.Run(description, func(t *testing.T) {
			if got := MatchCommandPattern(description); got != expected {
				t.Errorf("MatchCommandPattern(%q) = %q, expected %q", description, got, expected)
			}
		})
	}
}

func TestGenerateCommandPrefersLLM(t *testing.T) {
	client := respondWith("```bash\ndf -h\n```")
	gen := NewCommandGenerator(NewPool(client, PoolConfig{}), nil)

	cmd, err := gen.GenerateCommand(context.Background(), "Check disk space")
	if err != nil {
		t.Fatalf("GenerateCommand failed: %v", err)
	}
	if cmd != "df -h" {
		t.Errorf("Expected df -h, got %q", cmd)
	}
	if client.lastCall().prompt != "Task: Check disk space" {
		t.Errorf("Unexpected prompt %q", client.lastCall().prompt)
	}
}

func TestGenerateCommandFallsBack(t *testing.T) {
	failing := &fakeClient{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("offline")
	}}

	tests := []struct {
		name        string
		gen         *CommandGenerator
		description string
		expected    string
	}{
		{"llm failure uses patterns", NewCommandGenerator(NewPool(failing, PoolConfig{}), nil), "List processes", "ps aux"},
		{"empty llm answer uses patterns", NewCommandGenerator(NewPool(respondWith("   "), PoolConfig{}), nil), "Ping example.com", "ping -c 4 example.com"},
		{"no pool", NewCommandGenerator(nil, nil), "Create folder reports", "mkdir -p reports"},
		{"echo fallback", NewCommandGenerator(nil, nil), `Write a "poem"`, `echo "No command generated for: Write a 'poem'"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := tt.gen.GenerateCommand(context.Background(), tt.description)
			if err != nil {
				t.Fatalf("GenerateCommand failed: %v", err)
			}
			if cmd != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, cmd)
			}
		})
	}
}

func TestCleanGeneratedCommand(t *testing.T) {
	tests := map[string]string{
		"ls -la":                    "ls -la",
		"`ls -la`":                  "ls -la",
		"```\nls -la\n```":          "ls -la",
		"```sh\n\nuptime\nwho\n```": "uptime",
		"":                          "",
		"tell application \"Finder\"\n\tactivate\nend tell": "tell application \"Finder\"\n\tactivate\nend tell",
	}
	for raw, expected := range tests {
		if got := cleanGeneratedCommand(raw); got != expected {
			t.Errorf("cleanGeneratedCommand(%q) = %q, expected %q", raw, got, expected)
		}
	}
}
