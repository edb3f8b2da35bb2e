package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/pkg/types"
)

// NewListSkills returns the list_skills tool.
func NewListSkills(set *skills.ActiveSet) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "list_skills",
			Description: "List the available agent skills and whether each one is active.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []string{},
			},
		},
		Handler: func(_ context.Context, _ string) (string, error) {
			infos := set.Infos()
			if len(infos) == 0 {
				return "No skills are available.", nil
			}
			var sb strings.Builder
			for i, info := range infos {
				if i > 0 {
					sb.WriteString("\n")
				}
				status := "[inactive]"
				if info.Active {
					status = "[active]"
				}
				fmt.Fprintf(&sb, "- %s %s: %s", info.Name, status, info.Description)
			}
			return sb.String(), nil
		},
	}
}

// NewActivateSkill returns the activate_skill tool.
func NewActivateSkill(set *skills.ActiveSet) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "activate_skill",
			Description: "Activate an agent skill. Activation adds the skill's expert instructions to the conversation context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_name": map[string]any{
						"type":        "string",
						"description": "The skill name.",
					},
				},
				"required": []string{"skill_name"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				SkillName string `json:"skill_name"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.SkillName == "" {
				return "", errors.New("no skill name provided")
			}
			if err := set.Activate(p.SkillName); err != nil {
				if errors.Is(err, skills.ErrUnknownSkill) {
					return "", fmt.Errorf("skill %q not found, available: %s",
						p.SkillName, strings.Join(availableNames(set), ", "))
				}
				return "", err
			}
			desc := ""
			for _, info := range set.Infos() {
				if info.Name == p.SkillName {
					desc = info.Description
					break
				}
			}
			return fmt.Sprintf("Activated skill: %s (%s)", p.SkillName, desc), nil
		},
	}
}

// NewDeactivateSkill returns the deactivate_skill tool.
func NewDeactivateSkill(set *skills.ActiveSet) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "deactivate_skill",
			Description: "Deactivate an active agent skill.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_name": map[string]any{
						"type":        "string",
						"description": "The skill name.",
					},
				},
				"required": []string{"skill_name"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				SkillName string `json:"skill_name"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.SkillName == "" {
				return "", errors.New("no skill name provided")
			}
			if !set.IsActive(p.SkillName) {
				return "", fmt.Errorf("skill %q is not active", p.SkillName)
			}
			if err := set.Deactivate(p.SkillName); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deactivated skill: %s", p.SkillName), nil
		},
	}
}

// availableNames lists the names of all skills in the set's library.
func availableNames(set *skills.ActiveSet) []string {
	infos := set.Infos()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// NewRecallMemory returns the recall_memory tool.
func NewRecallMemory(store *identity.Store) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "recall_memory",
			Description: "Recall memories from past conversations. Use when the user refers to something discussed before or you need historical context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Maximum number of characters to read (default 4000).",
					},
				},
				"required": []string{},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				MaxChars int `json:"max_chars"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.MaxChars <= 0 {
				p.MaxChars = identity.DefaultMemoryMaxChars
			}
			memory, err := store.Memory(p.MaxChars)
			if err != nil {
				return "", fmt.Errorf("memory read error: %v", err)
			}
			if memory == "" {
				return "No conversation memory yet. This may be the first conversation.", nil
			}
			return memory, nil
		},
	}
}

// NewUpdateUserProfile returns the update_user_profile tool.
func NewUpdateUserProfile(store *identity.Store) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "update_user_profile",
			Description: "Record new information about the user in their profile. Call when you learn the user's name, preferences, interests, work, or other lasting facts.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"info": map[string]any{
						"type":        "string",
						"description": "The information to record, e.g. 'The user is named Ming and works as a software engineer.'",
					},
				},
				"required": []string{"info"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Info string `json:"info"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Info == "" {
				return "", errors.New("no info provided")
			}
			if err := store.AppendUserNote(p.Info); err != nil {
				return "", fmt.Errorf("profile update error: %v", err)
			}
			return fmt.Sprintf("Recorded user info: %s", p.Info), nil
		},
	}
}

// NewSaveNote returns the save_note tool.
func NewSaveNote(store *identity.Store) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "save_note",
			Description: "Save important information to long-term memory. Use for notable facts, decisions, or anything the user explicitly asks you to remember.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"note": map[string]any{
						"type":        "string",
						"description": "The note to save.",
					},
				},
				"required": []string{"note"},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var p struct {
				Note string `json:"note"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Note == "" {
				return "", errors.New("no note provided")
			}
			if err := store.AppendMemory(p.Note); err != nil {
				return "", fmt.Errorf("note save error: %v", err)
			}
			return "Note saved to memory.", nil
		},
	}
}

// TurnHit is one archived conversation turn returned by a transcript search.
type TurnHit struct {
	StartedAt     time.Time
	UserText      string
	AssistantText string
}

// TranscriptSearcher finds past conversation turns matching a query. The
// archive store provides it when a database is configured.
type TranscriptSearcher interface {
	SearchTurns(ctx context.Context, query string, limit int) ([]TurnHit, error)
}

// NewRecallTranscript returns the recall_transcript tool.
func NewRecallTranscript(searcher TranscriptSearcher) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "recall_transcript",
			Description: "Search archived conversation transcripts from previous sessions. Returns matching turns with timestamps.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Full-text search query.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of turns to return (default 5).",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var p struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(args, &p); err != nil {
				return "", err
			}
			if p.Query == "" {
				return "", errors.New("no search query")
			}
			if p.Limit <= 0 {
				p.Limit = 5
			}

			hits, err := searcher.SearchTurns(ctx, p.Query, p.Limit)
			if err != nil {
				return "", fmt.Errorf("transcript search error: %v", err)
			}
			if len(hits) == 0 {
				return "No archived turns matched the query.", nil
			}

			var sb strings.Builder
			for i, h := range hits {
				if i > 0 {
					sb.WriteString("\n\n")
				}
				fmt.Fprintf(&sb, "[%s]\nuser: %s\nassistant: %s",
					h.StartedAt.Format("2006-01-02 15:04"), h.UserText, h.AssistantText)
			}
			return sb.String(), nil
		},
	}
}
