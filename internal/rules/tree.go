package rules

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kage/internal/model"
)

// treeDef is the JSON shape of a decision tree: ordered nodes, first match
// wins, and a mandatory default.
type treeDef struct {
	Nodes   []treeNodeDef   `json:"nodes"`
	Default json.RawMessage `json:"default"`
}

type treeNodeDef struct {
	Condition conditionDef    `json:"condition"`
	Result    json.RawMessage `json:"result"`
}

type treeNode struct {
	cond   condition
	result outcome
}

type treeRule struct {
	nodes []treeNode
	def   outcome
}

func compileTree(d treeDef) (evaluator, []string, error) {
	if !present(d.Default) {
		return nil, nil, defErr("default", "a decision tree must declare a default result")
	}
	def, err := parseOutcome("default", d.Default)
	if err != nil {
		return nil, nil, err
	}
	if len(d.Nodes) == 0 {
		return nil, nil, defErr("nodes", "at least one node is required")
	}

	t := &treeRule{def: def, nodes: make([]treeNode, 0, len(d.Nodes))}
	var names []string
	for i, nd := range d.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		c, err := compileCondition(path+".condition", nd.Condition)
		if err != nil {
			return nil, nil, err
		}
		res, err := parseOutcome(path+".result", nd.Result)
		if err != nil {
			return nil, nil, err
		}
		t.nodes = append(t.nodes, treeNode{cond: c, result: res})
		names = conditionVars(nd.Condition, names)
	}
	return t, dedupe(names), nil
}

func conditionVars(d conditionDef, out []string) []string {
	if d.Var != "" {
		out = append(out, d.Var)
	}
	for _, sub := range d.Conditions {
		out = conditionVars(sub, out)
	}
	if d.Condition != nil {
		out = conditionVars(*d.Condition, out)
	}
	return out
}

func (t *treeRule) evaluate(r *reader) (outcome, []model.Step, error) {
	steps := make([]model.Step, 0, len(t.nodes)+1)
	for i, n := range t.nodes {
		ok, err := n.cond.match(r)
		if err != nil {
			return outcome{}, nil, err
		}
		matched := ok
		steps = append(steps, model.Step{
			Kind:       model.StepCondition,
			Expression: n.cond.String(),
			Matched:    &matched,
			Detail:     fmt.Sprintf("node %d", i+1),
		})
		if ok {
			return n.result, steps, nil
		}
	}
	steps = append(steps, model.Step{Kind: model.StepDefault, Detail: "no condition matched"})
	return t.def, steps, nil
}
