package orchestrator

import (
	"fmt"
	"strings"
)

// basePrompt is the manager instruction block of every decision prompt.
const basePrompt = "Act as the manager across any task type. Always reply with the next concrete step toward the completion of the goal. " +
	"If questions are asked, reply with the best solution or action required. Request manual runs and testing when you see fit, " +
	"prioritize debugging and fixing before proceeding. Extreme cases where progress is stalling, execute tests yourself and report your findings. " +
	"If you see any destructive or irreversible actions (i.e. deleting or overwriting files, dropping/truncating databases or tables) " +
	"in the most recent conversation history from the assistant, then use the ask_human json format."

// InferRole guesses the worker role from goal keywords. Falls back to
// developer when nothing matches.
func InferRole(goal string) string {
	text := strings.ToLower(goal)
	contains := func(keys ...string) bool {
		for _, k := range keys {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("test", "qa", "verify", "validation"):
		return "tester"
	case contains("research", "investigate", "find", "analyze", "compare"):
		return "researcher"
	case contains("design", "ui", "ux", "layout", "style"):
		return "designer"
	case contains("write", "draft", "document", "doc", "spec"):
		return "writer"
	default:
		return "developer"
	}
}

// KickoffPrompt is the first prompt injected into a managed session that has
// no conversation history yet.
func KickoffPrompt(goal, role, workdir string) string {
	return fmt.Sprintf("Project goal:\n%s\nSession working directory:\n%s\n\n"+
		"You are the %s working for a manager. Begin implementation immediately. "+
		"Do not act as the manager; focus on execution and report progress with concrete results.",
		goal, workdir, role)
}

// decisionPrompt asks the agent to choose the next action for a session.
// sessionContext lists every managed session with its working directory so
// the agent sees the whole project, not just the session being decided.
func decisionPrompt(goal, sessionContext, recentHistory string) string {
	if sessionContext == "" {
		sessionContext = "  (none)"
	}
	if recentHistory == "" {
		recentHistory = "None"
	}
	return fmt.Sprintf(`You are helping manage an AI coding assistant working on a project.

YOUR JOB:
%s

RULES:
- If the goal is achieved, return done
- If you can take another step toward the goal, send a message to continue the work
- Only ask_human if you truly need their input
- Review the conversation history to avoid repeating yourself
- If unsure what to do next, return done

WORKING DIRECTORIES (where the project is stored):
%s

You MUST respond using exactly ONE of these JSON formats and nothing else:
{"action":"continue","message":"your next message to the conversation"}
{"action":"done"}
{"action":"ask_human","question":"..."}

GOAL: %s

RECENT CONVERSATION:
%s
`, basePrompt, sessionContext, goal, recentHistory)
}
