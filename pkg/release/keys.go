package release

import "fmt"

// Store key layout. One command key per agent: a newer release's
// command overwrites the older one, which is what implicitly cancels an
// agent's interest in superseded work.
//
//	releases/<release>                  -> Release
//	releases/<release>/agents/<agent>   -> AgentReport
//	agents/<agent>/command              -> Command
//	agents/<agent>/state                -> AgentRecord (heartbeat)

func ReleaseKey(id ID) string {
	return fmt.Sprintf("releases/%s", id)
}

func AgentReportKey(id ID, agentID string) string {
	return fmt.Sprintf("releases/%s/agents/%s", id, agentID)
}

func AgentReportPrefix(id ID) string {
	return fmt.Sprintf("releases/%s/agents/", id)
}

func CommandKey(agentID string) string {
	return fmt.Sprintf("agents/%s/command", agentID)
}

func AgentStateKey(agentID string) string {
	return fmt.Sprintf("agents/%s/state", agentID)
}
