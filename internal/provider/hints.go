package provider

// InstallHint tells the user how to install a backend that could not be found.
func (k Kind) InstallHint() string {
	switch k {
	case KindClaude:
		return "Agent CLI (Claude Code) is not installed or not on PATH.\n" +
			"Install it with: npm install -g @anthropic-ai/claude-code\n" +
			"Then run `claude login` and try again."
	case KindCodex:
		return "Agent CLI (Codex) is not installed or not on PATH.\n" +
			"Install it with: npm install -g @openai/codex\n" +
			"Then run `codex auth` and try again."
	case KindGemini:
		return "Agent CLI (Gemini) is not installed or not on PATH.\n" +
			"Install it with: npm install -g @google/gemini-cli\n" +
			"Then run `gemini auth login` and try again."
	case KindGateway:
		return "OpenClaw gateway not found. Install OpenClaw and run `openclaw gateway start`.\n" +
			"https://openclaw.ai"
	case KindAPI:
		return "The Anthropic API provider needs no local install. Add an Anthropic API key in settings."
	case KindCustom:
		return "Custom agent command not found. Verify the command is installed and on PATH."
	}
	return "Agent command not found."
}

// ReauthHint tells the user how to restore a rejected login.
func (k Kind) ReauthHint() string {
	switch k {
	case KindClaude:
		return "Run `claude login` to restore local auth"
	case KindCodex:
		return "Run `codex auth` to restore local auth"
	case KindGemini:
		return "Run `gemini auth login` to restore local auth"
	case KindGateway:
		return "Check your OpenClaw gateway config at ~/.openclaw/openclaw.json"
	case KindAPI:
		return "Check the Anthropic API key in settings"
	case KindCustom:
		return "Re-authenticate your agent CLI"
	}
	return "Re-authenticate your agent CLI"
}
