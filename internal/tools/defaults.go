package tools

import (
	"github.com/loquilabs/loqui/internal/config"
	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/skills"
)

// Deps carries the session-scoped collaborators the built-in tools close
// over. Nil fields disable the tools that need them.
type Deps struct {
	// Skills enables list_skills, activate_skill and deactivate_skill.
	Skills *skills.ActiveSet

	// Identity enables recall_memory, update_user_profile and save_note.
	Identity *identity.Store

	// Transcripts enables recall_transcript.
	Transcripts TranscriptSearcher

	// Searcher overrides the web_search backend. Nil uses the default
	// DuckDuckGo client.
	Searcher *WebSearcher
}

// builtinOrder fixes the catalogue order used when TOOLS_ENABLED is "all".
var builtinOrder = []string{
	"get_datetime", "calculate", "web_search", "read_file", "write_file",
	"run_command", "run_python", "list_directory", "search_files",
	"list_skills", "activate_skill", "deactivate_skill",
	"recall_memory", "update_user_profile", "save_note", "recall_transcript",
}

// RegisterDefaults registers the built-in tools named by cfg.Enabled.
// The single entry "all" enables every tool whose dependencies are present.
// Unknown or unavailable names are logged and skipped, so a typo in
// TOOLS_ENABLED degrades the tool set instead of failing the session.
func RegisterDefaults(r *Registry, deps Deps, cfg config.ToolsConfig) error {
	available := defaultTools(deps, cfg)

	names := cfg.Enabled
	if len(names) == 1 && names[0] == "all" {
		names = names[:0:0]
		for _, name := range builtinOrder {
			if _, ok := available[name]; ok {
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		tool, ok := available[name]
		if !ok {
			r.log.Warn("unknown tool in TOOLS_ENABLED", "tool", name)
			continue
		}
		if err := r.Register(tool); err != nil {
			return err
		}
	}

	r.log.Info("tool registry ready", "count", r.Len(), "tools", r.Names())
	return nil
}

// defaultTools builds the full built-in catalogue for the given dependencies.
func defaultTools(deps Deps, cfg config.ToolsConfig) map[string]Tool {
	m := map[string]Tool{
		"get_datetime":   NewDatetime(),
		"calculate":      NewCalculate(),
		"web_search":     NewWebSearch(deps.Searcher),
		"read_file":      NewReadFile(),
		"write_file":     NewWriteFile(),
		"run_command":    NewRunCommand(cfg.AllowShell),
		"run_python":     NewRunPython(cfg.PythonExec),
		"list_directory": NewListDirectory(),
		"search_files":   NewSearchFiles(),
	}
	if deps.Skills != nil {
		m["list_skills"] = NewListSkills(deps.Skills)
		m["activate_skill"] = NewActivateSkill(deps.Skills)
		m["deactivate_skill"] = NewDeactivateSkill(deps.Skills)
	}
	if deps.Identity != nil {
		m["recall_memory"] = NewRecallMemory(deps.Identity)
		m["update_user_profile"] = NewUpdateUserProfile(deps.Identity)
		m["save_note"] = NewSaveNote(deps.Identity)
	}
	if deps.Transcripts != nil {
		m["recall_transcript"] = NewRecallTranscript(deps.Transcripts)
	}
	return m
}
