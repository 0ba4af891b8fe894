package engine

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/parapet-dev/parapet/object"
)

// Supported condition operators.
const (
	opMatchRegex  = "match_regex"
	opPhraseMatch = "phrase_match"
	opExactMatch  = "exact_match"
)

type ruleInput struct {
	address string
	keyPath []string
}

type ruleCondition struct {
	operator      string
	operatorValue string
	re            *regexp.Regexp
	phrases       []string
	inputs        []ruleInput
}

type rule struct {
	id         string
	name       string
	tags       object.Object
	conditions []ruleCondition
	onMatch    []string
	enabled    bool
}

type actionSpec struct {
	id     string
	typ    string
	params object.Object
}

// compiledConfig is the result of parsing one staged ruleset document.
type compiledConfig struct {
	version string
	rules   []rule
	actions []actionSpec
}

// configDiagnostics collects per-document parse results in the shape the
// diagnostics object exposes.
type configDiagnostics struct {
	rulesetVersion string
	loaded         []string
	failed         []string
	skipped        []string
	errors         map[string][]string
}

func (d *configDiagnostics) fail(id, msg string) {
	d.failed = append(d.failed, id)
	if d.errors == nil {
		d.errors = make(map[string][]string)
	}
	d.errors[msg] = append(d.errors[msg], id)
}

// object renders the diagnostics in the wire shape:
//
//	{"ruleset_version": ..., "rules": {"loaded": [...], "failed": [...],
//	 "skipped": [...], "errors": {msg: [ids...]}}}
func (d *configDiagnostics) object() object.Object {
	ids := func(list []string) object.Object {
		items := make([]object.Object, len(list))
		for i, id := range list {
			items[i] = object.String(id)
		}
		return object.Array(items...)
	}

	msgs := make([]string, 0, len(d.errors))
	for msg := range d.errors {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	errEntries := make([]object.Entry, len(msgs))
	for i, msg := range msgs {
		errEntries[i] = object.Pair(msg, ids(d.errors[msg]))
	}

	entries := []object.Entry{}
	if d.rulesetVersion != "" {
		entries = append(entries, object.Pair("ruleset_version", object.String(d.rulesetVersion)))
	}
	entries = append(entries, object.Pair("rules", object.Map(
		object.Pair("loaded", ids(d.loaded)),
		object.Pair("failed", ids(d.failed)),
		object.Pair("skipped", ids(d.skipped)),
		object.Pair("errors", object.Map(errEntries...)),
	)))
	return object.Map(entries...)
}

// parseRuleset compiles a ruleset document. Individual broken rules are
// reported in the diagnostics and do not fail the document; a document with
// no usable rules section at all is rejected (ok false).
func parseRuleset(doc object.Object) (*compiledConfig, *configDiagnostics, bool) {
	diag := &configDiagnostics{}
	if doc.Kind() != object.KindMap {
		return nil, diag, false
	}

	cfg := &compiledConfig{}
	if meta, ok := doc.GetString("metadata"); ok {
		if v, ok := meta.GetString("rules_version"); ok {
			cfg.version, _ = v.StringValue()
		}
	}
	diag.rulesetVersion = cfg.version

	rulesObj, ok := doc.GetString("rules")
	if !ok || rulesObj.Kind() != object.KindArray {
		return nil, diag, false
	}

	for i, item := range rulesObj.Items() {
		r, err := parseRule(item)
		if err != nil {
			diag.fail(r.id, err.Error())
			continue
		}
		if !r.enabled {
			diag.skipped = append(diag.skipped, r.id)
			continue
		}
		if r.id == "" {
			diag.fail(fmt.Sprintf("index:%d", i), "missing rule id")
			continue
		}
		diag.loaded = append(diag.loaded, r.id)
		cfg.rules = append(cfg.rules, r)
	}

	if actionsObj, ok := doc.GetString("actions"); ok && actionsObj.Kind() == object.KindArray {
		for _, item := range actionsObj.Items() {
			if a, ok := parseAction(item); ok {
				cfg.actions = append(cfg.actions, a)
			}
		}
	}

	return cfg, diag, true
}

func parseRule(item object.Object) (rule, error) {
	r := rule{enabled: true}
	if item.Kind() != object.KindMap {
		return r, fmt.Errorf("rule is not a map")
	}

	if v, ok := item.GetString("id"); ok {
		r.id, _ = v.StringValue()
	}
	if v, ok := item.GetString("name"); ok {
		r.name, _ = v.StringValue()
	}
	if v, ok := item.GetString("tags"); ok && v.Kind() == object.KindMap {
		r.tags = v.Clone()
	} else {
		r.tags = object.Map()
	}
	if v, ok := item.GetString("enabled"); ok {
		if b, isBool := v.Bool(); isBool {
			r.enabled = b
		}
	}
	if v, ok := item.GetString("on_match"); ok && v.Kind() == object.KindArray {
		for _, a := range v.Items() {
			if s, isStr := a.StringValue(); isStr {
				r.onMatch = append(r.onMatch, s)
			}
		}
	}

	condsObj, ok := item.GetString("conditions")
	if !ok || condsObj.Kind() != object.KindArray || condsObj.Len() == 0 {
		return r, fmt.Errorf("missing conditions")
	}
	for _, condItem := range condsObj.Items() {
		cond, err := parseCondition(condItem)
		if err != nil {
			return r, err
		}
		r.conditions = append(r.conditions, cond)
	}
	return r, nil
}

func parseCondition(item object.Object) (ruleCondition, error) {
	var c ruleCondition
	if item.Kind() != object.KindMap {
		return c, fmt.Errorf("condition is not a map")
	}
	if v, ok := item.GetString("operator"); ok {
		c.operator, _ = v.StringValue()
	}

	params, ok := item.GetString("parameters")
	if !ok || params.Kind() != object.KindMap {
		return c, fmt.Errorf("condition has no parameters")
	}

	inputsObj, ok := params.GetString("inputs")
	if !ok || inputsObj.Kind() != object.KindArray || inputsObj.Len() == 0 {
		return c, fmt.Errorf("condition has no inputs")
	}
	for _, inputItem := range inputsObj.Items() {
		in, err := parseInput(inputItem)
		if err != nil {
			return c, err
		}
		c.inputs = append(c.inputs, in)
	}

	switch c.operator {
	case opMatchRegex:
		src, ok := params.GetString("regex")
		if !ok {
			return c, fmt.Errorf("match_regex without regex")
		}
		pattern, _ := src.StringValue()
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return c, fmt.Errorf("invalid regex: %v", err)
		}
		c.operatorValue = pattern
		c.re = re
	case opPhraseMatch, opExactMatch:
		listObj, ok := params.GetString("list")
		if !ok || listObj.Kind() != object.KindArray || listObj.Len() == 0 {
			return c, fmt.Errorf("%s without list", c.operator)
		}
		for _, p := range listObj.Items() {
			if s, isStr := p.StringValue(); isStr {
				c.phrases = append(c.phrases, s)
			}
		}
	default:
		return c, fmt.Errorf("unknown operator %q", c.operator)
	}
	return c, nil
}

func parseInput(item object.Object) (ruleInput, error) {
	var in ruleInput
	if item.Kind() != object.KindMap {
		return in, fmt.Errorf("input is not a map")
	}
	addr, ok := item.GetString("address")
	if !ok {
		return in, fmt.Errorf("input without address")
	}
	in.address, _ = addr.StringValue()
	if in.address == "" {
		return in, fmt.Errorf("input without address")
	}
	if kp, ok := item.GetString("key_path"); ok && kp.Kind() == object.KindArray {
		for _, seg := range kp.Items() {
			if s, isStr := seg.StringValue(); isStr {
				in.keyPath = append(in.keyPath, s)
			}
		}
	}
	return in, nil
}

func parseAction(item object.Object) (actionSpec, bool) {
	var a actionSpec
	if item.Kind() != object.KindMap {
		return a, false
	}
	if v, ok := item.GetString("id"); ok {
		a.id, _ = v.StringValue()
	}
	if v, ok := item.GetString("type"); ok {
		a.typ, _ = v.StringValue()
	}
	if a.id == "" || a.typ == "" {
		return a, false
	}
	if v, ok := item.GetString("parameters"); ok && v.Kind() == object.KindMap {
		a.params = v.Clone()
	} else {
		a.params = object.Map()
	}
	return a, true
}

// defaultActions are always available even when the ruleset defines none.
func defaultActions() []actionSpec {
	return []actionSpec{
		{
			id:  "block",
			typ: "block_request",
			params: object.Map(
				object.Pair("status_code", object.Unsigned(403)),
				object.Pair("grpc_status_code", object.Unsigned(10)),
				object.Pair("type", object.String("auto")),
			),
		},
		{
			id:     "stack_trace",
			typ:    "generate_stack",
			params: object.Map(),
		},
	}
}
