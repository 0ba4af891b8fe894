package parapet

import (
	"time"

	"github.com/parapet-dev/parapet/encoder"
	"github.com/parapet-dev/parapet/engine"
	"github.com/parapet-dev/parapet/object"
)

// Result is the outcome of a single Context.Run call. Everything in it is
// owned by the caller; nothing references engine memory.
type Result struct {
	// Events holds one entry per rule that matched during the call.
	Events []Event

	// Actions maps triggered action types to their parameter objects.
	Actions map[string]object.Object

	// Attributes carries derived values the rules emitted for collection.
	Attributes object.Object

	// Keep indicates the evaluation flagged its trace for retention.
	Keep bool

	// TimedOut indicates the time budget expired before every rule was
	// evaluated. Events gathered up to that point are still present.
	TimedOut bool

	// Duration is the time the engine spent evaluating.
	Duration time.Duration

	// Truncations reports what the encoder had to cut from the call's
	// inputs to fit the configured limits.
	Truncations encoder.Report
}

// Match reports whether any rule matched.
func (r *Result) Match() bool { return len(r.Events) > 0 }

// Event describes one matched rule.
type Event struct {
	Rule    RuleInfo
	Matches []Match
}

// RuleInfo identifies the rule behind an event.
type RuleInfo struct {
	ID      string
	Name    string
	Tags    map[string]string
	OnMatch []string
}

// Match describes one condition that contributed to an event: which input
// satisfied which operator, and the fragment that did it.
type Match struct {
	Operator      string
	OperatorValue string
	Address       string
	KeyPath       []string
	Value         string
	Highlights    []string
}

// decodeResult copies an engine-owned output map into caller-owned form.
func decodeResult(out object.Object) *Result {
	res := &Result{Actions: make(map[string]object.Object)}

	if v, ok := out.GetString(engine.OutputKeyTimeout); ok {
		res.TimedOut, _ = v.Bool()
	}
	if v, ok := out.GetString(engine.OutputKeyKeep); ok {
		res.Keep, _ = v.Bool()
	}
	if v, ok := out.GetString(engine.OutputKeyDuration); ok {
		if ns, ok := v.Uint64(); ok {
			res.Duration = time.Duration(ns)
		}
	}
	if v, ok := out.GetString(engine.OutputKeyEvents); ok {
		for _, ev := range v.Items() {
			res.Events = append(res.Events, decodeEvent(ev))
		}
	}
	if v, ok := out.GetString(engine.OutputKeyActions); ok {
		for _, e := range v.Entries() {
			res.Actions[string(e.Key)] = e.Value.Clone()
		}
	}
	if v, ok := out.GetString(engine.OutputKeyAttributes); ok {
		res.Attributes = v.Clone()
	} else {
		res.Attributes = object.Map()
	}
	return res
}

func decodeEvent(ev object.Object) Event {
	var out Event
	if rule, ok := ev.GetString("rule"); ok {
		out.Rule = decodeRuleInfo(rule)
	}
	matches, _ := ev.GetString("rule_matches")
	for _, m := range matches.Items() {
		op, _ := m.GetString("operator")
		opv, _ := m.GetString("operator_value")
		params, _ := m.GetString("parameters")
		for _, p := range params.Items() {
			out.Matches = append(out.Matches, decodeMatch(op, opv, p))
		}
	}
	return out
}

func decodeRuleInfo(rule object.Object) RuleInfo {
	info := RuleInfo{Tags: make(map[string]string)}
	if v, ok := rule.GetString("id"); ok {
		info.ID, _ = v.StringValue()
	}
	if v, ok := rule.GetString("name"); ok {
		info.Name, _ = v.StringValue()
	}
	if tags, ok := rule.GetString("tags"); ok {
		for _, e := range tags.Entries() {
			s, _ := e.Value.StringValue()
			info.Tags[string(e.Key)] = s
		}
	}
	if om, ok := rule.GetString("on_match"); ok {
		for _, a := range om.Items() {
			s, _ := a.StringValue()
			info.OnMatch = append(info.OnMatch, s)
		}
	}
	return info
}

func decodeMatch(op, opv object.Object, param object.Object) Match {
	var m Match
	m.Operator, _ = op.StringValue()
	m.OperatorValue, _ = opv.StringValue()
	if v, ok := param.GetString("address"); ok {
		m.Address, _ = v.StringValue()
	}
	if kp, ok := param.GetString("key_path"); ok {
		for _, seg := range kp.Items() {
			s, _ := seg.StringValue()
			m.KeyPath = append(m.KeyPath, s)
		}
	}
	if v, ok := param.GetString("value"); ok {
		m.Value, _ = v.StringValue()
	}
	if hl, ok := param.GetString("highlight"); ok {
		for _, h := range hl.Items() {
			s, _ := h.StringValue()
			m.Highlights = append(m.Highlights, s)
		}
	}
	return m
}
