package parapet

import "github.com/parapet-dev/parapet/object"

// Diagnostics is a caller-owned copy of an engine compilation report. The
// copy is taken inside the call that produced it: engine-owned diagnostic
// memory is only valid within that window.
type Diagnostics struct {
	obj object.Object
}

// newDiagnostics copies an engine-owned diagnostics object.
func newDiagnostics(engineOwned object.Object) Diagnostics {
	return Diagnostics{obj: engineOwned.Clone()}
}

// Object returns the underlying report tree.
func (d Diagnostics) Object() object.Object { return d.obj }

// RulesetVersion returns the version string of the compiled ruleset, if the
// ruleset declared one.
func (d Diagnostics) RulesetVersion() string {
	if v, ok := d.obj.GetString("ruleset_version"); ok {
		s, _ := v.StringValue()
		return s
	}
	return ""
}

// Loaded lists the rules the engine accepted.
func (d Diagnostics) Loaded() []string { return d.ruleList("loaded") }

// Failed lists the rules the engine rejected.
func (d Diagnostics) Failed() []string { return d.ruleList("failed") }

// Skipped lists the rules disabled by the ruleset itself.
func (d Diagnostics) Skipped() []string { return d.ruleList("skipped") }

// Errors maps a rejection message to the rules it applied to.
func (d Diagnostics) Errors() map[string][]string {
	rules, ok := d.obj.GetString("rules")
	if !ok {
		return nil
	}
	errsObj, ok := rules.GetString("errors")
	if !ok || errsObj.Len() == 0 {
		return nil
	}
	out := make(map[string][]string, errsObj.Len())
	for _, e := range errsObj.Entries() {
		var ids []string
		for _, id := range e.Value.Items() {
			if s, ok := id.StringValue(); ok {
				ids = append(ids, s)
			}
		}
		out[string(e.Key)] = ids
	}
	return out
}

func (d Diagnostics) ruleList(key string) []string {
	rules, ok := d.obj.GetString("rules")
	if !ok {
		return nil
	}
	listObj, ok := rules.GetString(key)
	if !ok {
		return nil
	}
	var out []string
	for _, id := range listObj.Items() {
		if s, ok := id.StringValue(); ok {
			out = append(out, s)
		}
	}
	return out
}
