package actions

import "github.com/seantiz/flowcache/internal/action"

// Defaults returns every action the service registers, built-ins included.
func Defaults(source ObjectSource) []action.Action {
	return []action.Action{
		action.Check{},
		action.Echo{},
		Artifact{Source: source},
		Log{Source: source},
		DAGAction{Source: source},
	}
}
