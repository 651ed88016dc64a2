package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged is set when the default persona changed. It applies
	// to the next realtime session and to text chat immediately.
	InstructionsChanged bool
	NewInstructions     string

	VoiceModeChanged bool
	NewVoiceMode     bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InstructionsChanged || d.VoiceModeChanged
}

// Fields names the changed hot-reloadable settings by their YAML path.
func (d ConfigDiff) Fields() []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "server.log_level")
	}
	if d.InstructionsChanged {
		out = append(out, "realtime.instructions")
	}
	if d.VoiceModeChanged {
		out = append(out, "discord.voice_mode")
	}
	return out
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Realtime.Instructions != new.Realtime.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Realtime.Instructions
	}
	if old.Discord.VoiceMode != new.Discord.VoiceMode {
		d.VoiceModeChanged = true
		d.NewVoiceMode = new.Discord.VoiceMode
	}
	return d
}

// RestartRequired lists the non-reloadable sections that differ between old
// and new. Changes there are ignored until the process restarts.
func RestartRequired(old, new *Config) []string {
	var out []string
	if old.Server.ListenAddr != new.Server.ListenAddr {
		out = append(out, "server.listen_addr")
	}
	if old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		out = append(out, "server.trace_sample_ratio")
	}
	if old.Discord.Token != new.Discord.Token || old.Discord.GuildID != new.Discord.GuildID || old.Discord.OwnerID != new.Discord.OwnerID {
		out = append(out, "discord")
	}
	oldRT, newRT := old.Realtime, new.Realtime
	oldRT.Instructions, newRT.Instructions = "", ""
	if oldRT != newRT {
		out = append(out, "realtime")
	}
	if old.Chat != new.Chat {
		out = append(out, "chat")
	}
	if old.Audio != new.Audio {
		out = append(out, "audio")
	}
	return out
}
