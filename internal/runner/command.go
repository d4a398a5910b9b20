package runner

import (
	"fmt"
	"strings"

	"github.com/citadel-dev/citadel/internal/config"
)

// BuildCommand constructs the agent argv from its configuration.
// {prompt} and {model} placeholders in flags are substituted in place;
// when no flag carries {prompt}, viaStdin is true and the caller feeds
// the prompt on standard input instead.
func BuildCommand(agent config.Agent, prompt string) (argv []string, viaStdin bool, err error) {
	provider := strings.TrimSpace(agent.Provider)
	if provider == "" {
		return nil, false, fmt.Errorf("runner: agent provider command is required")
	}

	argv = make([]string, 0, len(agent.Flags)+1)
	argv = append(argv, provider)

	promptUsed := false
	modelUsed := false
	for i, raw := range agent.Flags {
		if strings.TrimSpace(raw) == "" {
			return nil, false, fmt.Errorf("runner: empty agent flag at index %d", i)
		}

		arg := raw
		if strings.Contains(raw, "{prompt}") {
			promptUsed = true
			arg = strings.ReplaceAll(arg, "{prompt}", prompt)
		}
		if strings.Contains(raw, "{model}") {
			if strings.TrimSpace(agent.Model) == "" {
				return nil, false, fmt.Errorf("runner: flag %q needs a model but none is configured", raw)
			}
			modelUsed = true
			arg = strings.ReplaceAll(arg, "{model}", agent.Model)
		}
		argv = append(argv, arg)
	}

	if strings.TrimSpace(agent.Model) != "" && !modelUsed {
		return nil, false, fmt.Errorf("runner: model %q is configured but no flag carries {model}", agent.Model)
	}

	return argv, !promptUsed, nil
}
