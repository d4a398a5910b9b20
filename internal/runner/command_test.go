package runner

import (
	"reflect"
	"strings"
	"testing"

	"github.com/citadel-dev/citadel/internal/config"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name      string
		agent     config.Agent
		prompt    string
		wantArgv  []string
		wantStdin bool
		wantErr   string
	}{
		{
			name:      "prompt flag",
			agent:     config.Agent{Provider: "claude", Flags: []string{"--print", "-p", "{prompt}"}},
			prompt:    "do the thing",
			wantArgv:  []string{"claude", "--print", "-p", "do the thing"},
			wantStdin: false,
		},
		{
			name:      "no prompt flag means stdin",
			agent:     config.Agent{Provider: "codex", Flags: []string{"exec", "--full-auto"}},
			prompt:    "do the thing",
			wantArgv:  []string{"codex", "exec", "--full-auto"},
			wantStdin: true,
		},
		{
			name:      "model placeholder",
			agent:     config.Agent{Provider: "claude", Model: "opus", Flags: []string{"--model={model}", "-p", "{prompt}"}},
			prompt:    "x",
			wantArgv:  []string{"claude", "--model=opus", "-p", "x"},
			wantStdin: false,
		},
		{
			name:      "no flags at all",
			agent:     config.Agent{Provider: "agent-cli"},
			prompt:    "x",
			wantArgv:  []string{"agent-cli"},
			wantStdin: true,
		},
		{
			name:    "missing provider",
			agent:   config.Agent{Flags: []string{"-p", "{prompt}"}},
			wantErr: "provider command is required",
		},
		{
			name:    "empty flag",
			agent:   config.Agent{Provider: "claude", Flags: []string{"-p", "  "}},
			wantErr: "empty agent flag at index 1",
		},
		{
			name:    "model flag without model",
			agent:   config.Agent{Provider: "claude", Flags: []string{"--model", "{model}"}},
			wantErr: "needs a model",
		},
		{
			name:    "model without model flag",
			agent:   config.Agent{Provider: "claude", Model: "opus", Flags: []string{"-p", "{prompt}"}},
			wantErr: "no flag carries {model}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, viaStdin, err := BuildCommand(tt.agent, tt.prompt)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("BuildCommand error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildCommand: %v", err)
			}
			if !reflect.DeepEqual(argv, tt.wantArgv) {
				t.Errorf("argv = %v, want %v", argv, tt.wantArgv)
			}
			if viaStdin != tt.wantStdin {
				t.Errorf("viaStdin = %v, want %v", viaStdin, tt.wantStdin)
			}
		})
	}
}

func TestBuildCommandDoesNotMutatePrompt(t *testing.T) {
	prompt := `say "hello" && echo {model}`
	agent := config.Agent{Provider: "claude", Flags: []string{"-p", "{prompt}"}}

	argv, _, err := BuildCommand(agent, prompt)
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	// Prompt content rides as a single argv element; nothing in it is
	// re-substituted or escaped.
	if argv[2] != prompt {
		t.Errorf("prompt arg = %q, want %q", argv[2], prompt)
	}
}
