package config

import "github.com/basket/go-cortex/internal/agent"

func boolPtr(v bool) *bool { return &v }

// DefaultRoles returns the built-in settings for every role. The curator is
// off until enabled because its passes rewrite stored knowledge.
func DefaultRoles() map[string]RoleSettings {
	return map[string]RoleSettings{
		string(agent.RoleRetrieverA): {
			Enabled:        boolPtr(true),
			AllowedTools:   []string{"Read", "Grep", "Glob"},
			PermissionMode: "default",
			MaxTurns:       4,
			MaxCostUSD:     0.05,
			PersistSession: boolPtr(true),
		},
		string(agent.RoleRetrieverB): {
			Enabled:        boolPtr(true),
			AllowedTools:   []string{"mcp__knowledge__search", "mcp__knowledge__get"},
			PermissionMode: "default",
			MaxTurns:       4,
			MaxCostUSD:     0.05,
			PersistSession: boolPtr(true),
		},
		string(agent.RoleLearner): {
			Enabled:        boolPtr(true),
			AllowedTools:   []string{"mcp__knowledge__search", "mcp__knowledge__save"},
			PermissionMode: "default",
			MaxTurns:       6,
			MaxCostUSD:     0.08,
			PersistSession: boolPtr(true),
		},
		string(agent.RoleCompactor): {
			Enabled:        boolPtr(true),
			AllowedTools:   []string{},
			PermissionMode: "default",
			MaxTurns:       1,
			MaxCostUSD:     0.10,
			PersistSession: boolPtr(false),
		},
		string(agent.RoleCurator): {
			Enabled: boolPtr(false),
			AllowedTools: []string{
				"mcp__knowledge__search", "mcp__knowledge__merge",
				"mcp__knowledge__update", "mcp__knowledge__flag",
			},
			PermissionMode: "default",
			MaxTurns:       12,
			MaxCostUSD:     0.25,
			PersistSession: boolPtr(false),
		},
	}
}

// DefaultRolePrompts returns the built-in system prompt for each role.
func DefaultRolePrompts() map[agent.Role]string {
	return map[agent.Role]string{
		agent.RoleRetrieverA: `You surface context from the working tree that the user's assistant is likely missing. Answer with at most a few terse, concrete pointers (file paths, identifiers, one-line facts). If nothing useful applies, reply with exactly SKIP.`,
		agent.RoleRetrieverB: `You surface previously learned knowledge relevant to the query. Search the knowledge store, then answer with at most a few terse facts and their confidence. Never restate what was already surfaced. If nothing applies, reply with exactly SKIP.`,
		agent.RoleLearner:    `You turn observations of a coding session into durable knowledge. Save only facts that will still be true and useful next week: conventions, decisions, gotchas, preferences. Prefer updating an existing entry over creating a near-duplicate. Reply with a one-line summary of what you saved, or SKIP.`,
		agent.RoleCompactor:  `You maintain a structured running summary of a long conversation. Keep the sections: Goal, Decisions, Current working context, Open tasks, Dynamics. Be dense and factual; never invent content that is not in the conversation.`,
		agent.RoleCurator:    `You maintain the knowledge store. Work in bounded passes and finish with a JSON report.`,
	}
}
