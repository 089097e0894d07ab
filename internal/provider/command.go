package provider

import (
	"fmt"
	"strings"
)

// Environment variables through which prompt text reaches the shell. The
// command text only ever references them, so no user input is interpolated.
const (
	PromptEnvVar = "RELAY_PROMPT"
	SystemEnvVar = "RELAY_SYSTEM"
)

// CustomPromptPlaceholder is replaced in a custom command template with a
// quoted reference to PromptEnvVar.
const CustomPromptPlaceholder = "{prompt}"

const (
	promptRef = `"$` + PromptEnvVar + `"`
	systemRef = `"$` + SystemEnvVar + `"`
)

// Command is a shell command ready to hand to the runner. A retry builds a
// fresh Command rather than reusing one.
type Command struct {
	Shell        string
	APIKeyEnvVar string
}

// ShellEnv returns the bootstrap that makes user-installed CLIs visible to a
// non-interactive shell: nvm, rc files, common bin dirs and the Windows
// Claude Code install dirs.
func ShellEnv() string {
	return `export NVM_DIR="$HOME/.nvm"
[ -s "$NVM_DIR/nvm.sh" ] && . "$NVM_DIR/nvm.sh"
[ -f "$HOME/.bashrc" ] && . "$HOME/.bashrc" 2>/dev/null
[ -f "$HOME/.profile" ] && . "$HOME/.profile" 2>/dev/null
[ -f "$HOME/.zshrc" ] && . "$HOME/.zshrc" 2>/dev/null
export PATH="$PATH:/usr/local/bin:/usr/bin"
for _d in "$HOME/AppData/Roaming/Claude/claude-code"/*/; do
  [ -d "$_d" ] && export PATH="$PATH:$_d"
done
`
}

// BuildOneShotCommand returns the command that runs the backend once and
// prints the whole answer.
func (c Config) BuildOneShotCommand() Command {
	var body string
	switch c.Kind {
	case KindClaude:
		body = "claude --print --dangerously-skip-permissions " + promptRef
	case KindCodex:
		body = "codex --quiet --full-auto " + promptRef
	case KindGemini:
		body = "gemini -p " + promptRef
	case KindGateway, KindAPI:
		body = httpDiagnostic(c.Kind)
	case KindCustom:
		body = c.customBody()
	}
	return c.command(body)
}

// BuildStreamCommand returns the command that streams the answer line by
// line. hasSystemPrompt selects the variant that reads SystemEnvVar.
func (c Config) BuildStreamCommand(hasSystemPrompt bool) Command {
	var body string
	switch c.Kind {
	case KindClaude:
		args := []string{"claude", "--print", "--verbose", "--output-format", "stream-json"}
		if hasSystemPrompt {
			args = append(args, "--append-system-prompt", systemRef)
		}
		args = append(args, "--dangerously-skip-permissions", promptRef)
		body = strings.Join(args, " ")
	case KindCodex:
		args := []string{"codex", "--quiet", "--full-auto"}
		if hasSystemPrompt {
			args = append(args, "-i", systemRef)
		}
		args = append(args, promptRef)
		body = strings.Join(args, " ")
	case KindGemini:
		if hasSystemPrompt {
			body = `gemini -p "$` + SystemEnvVar + "\n\n$" + PromptEnvVar + `"`
		} else {
			body = "gemini -p " + promptRef
		}
	case KindGateway, KindAPI:
		body = httpDiagnostic(c.Kind)
	case KindCustom:
		body = c.customBody()
	}
	return c.command(body)
}

func (c Config) command(body string) Command {
	return Command{
		Shell:        ShellEnv() + body,
		APIKeyEnvVar: c.Kind.APIKeyEnvVar(),
	}
}

func (c Config) customBody() string {
	if c.CustomCommand == "" {
		return "echo 'No custom agent command configured. Set custom_command in settings.' >&2; exit 2"
	}
	return strings.ReplaceAll(c.CustomCommand, CustomPromptPlaceholder, promptRef)
}

func httpDiagnostic(k Kind) string {
	return fmt.Sprintf("echo '%s uses HTTP, not a CLI provider'", k.DisplayName())
}
