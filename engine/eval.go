package engine

import (
	"regexp"
	"strings"
	"time"

	"github.com/parapet-dev/parapet/object"
)

const redactedMarker = "<Redacted>"

// obfuscator scrubs sensitive data out of match events before they leave the
// engine.
type obfuscator struct {
	keyRe   *regexp.Regexp
	valueRe *regexp.Regexp
}

func (o obfuscator) sensitiveKey(keyPath []string) bool {
	if o.keyRe == nil {
		return false
	}
	for _, k := range keyPath {
		if o.keyRe.MatchString(k) {
			return true
		}
	}
	return false
}

func (o obfuscator) sensitiveValue(value string) bool {
	return o.valueRe != nil && o.valueRe.MatchString(value)
}

// matchDetail records where a condition matched inside an input tree.
type matchDetail struct {
	address   string
	keyPath   []string
	value     string
	highlight string
}

// evalDeadline polls wall time during evaluation. The zero deadline never
// expires.
type evalDeadline struct {
	at time.Time
}

func (d evalDeadline) expired() bool {
	return !d.at.IsZero() && !time.Now().Before(d.at)
}

// evalRule checks every condition of the rule against the store. All
// conditions must match, each on at least one of its inputs.
func evalRule(r *rule, store map[string]object.Object, dl evalDeadline) ([]matchDetail, bool, bool) {
	details := make([]matchDetail, 0, len(r.conditions))
	for i := range r.conditions {
		if dl.expired() {
			return nil, false, true
		}
		detail, ok := evalCondition(&r.conditions[i], store, dl)
		if !ok {
			return nil, false, false
		}
		details = append(details, detail)
	}
	return details, true, false
}

func evalCondition(c *ruleCondition, store map[string]object.Object, dl evalDeadline) (matchDetail, bool) {
	for _, in := range c.inputs {
		root, ok := store[in.address]
		if !ok {
			continue
		}
		target, ok := walkKeyPath(root, in.keyPath)
		if !ok {
			continue
		}
		if value, highlight, path, ok := searchStrings(target, c, in.keyPath, dl, 0); ok {
			return matchDetail{
				address:   in.address,
				keyPath:   path,
				value:     value,
				highlight: highlight,
			}, true
		}
	}
	return matchDetail{}, false
}

func walkKeyPath(root object.Object, keyPath []string) (object.Object, bool) {
	cur := root
	for _, seg := range keyPath {
		next, ok := cur.GetString(seg)
		if !ok {
			return object.Invalid(), false
		}
		cur = next
	}
	return cur, true
}

const maxSearchDepth = 32

// searchStrings walks the value tree looking for a string the operator
// accepts, returning the matched value, the highlighted fragment and the key
// path to the match.
func searchStrings(o object.Object, c *ruleCondition, path []string, dl evalDeadline, depth int) (string, string, []string, bool) {
	if depth > maxSearchDepth || dl.expired() {
		return "", "", nil, false
	}

	switch o.Kind() {
	case object.KindString:
		s, _ := o.StringValue()
		if highlight, ok := operatorMatch(c, s); ok {
			return s, highlight, append([]string(nil), path...), true
		}
	case object.KindArray:
		for _, item := range o.Items() {
			if v, h, p, ok := searchStrings(item, c, path, dl, depth+1); ok {
				return v, h, p, ok
			}
		}
	case object.KindMap:
		for _, e := range o.Entries() {
			childPath := append(append([]string(nil), path...), string(e.Key))
			// Keys are searchable material too: injection payloads
			// regularly arrive as parameter names.
			if highlight, ok := operatorMatch(c, string(e.Key)); ok {
				return string(e.Key), highlight, childPath, true
			}
			if v, h, p, ok := searchStrings(e.Value, c, childPath, dl, depth+1); ok {
				return v, h, p, ok
			}
		}
	}
	return "", "", nil, false
}

func operatorMatch(c *ruleCondition, s string) (string, bool) {
	switch c.operator {
	case opMatchRegex:
		if loc := c.re.FindStringIndex(s); loc != nil {
			return s[loc[0]:loc[1]], true
		}
	case opPhraseMatch:
		lower := strings.ToLower(s)
		for _, phrase := range c.phrases {
			if idx := strings.Index(lower, strings.ToLower(phrase)); idx >= 0 {
				return s[idx : idx+len(phrase)], true
			}
		}
	case opExactMatch:
		for _, phrase := range c.phrases {
			if s == phrase {
				return s, true
			}
		}
	}
	return "", false
}

// eventObject renders one rule match in the wire shape:
//
//	{"rule": {"id", "name", "tags", "on_match"},
//	 "rule_matches": [{"operator", "operator_value",
//	                   "parameters": [{"address", "key_path", "value", "highlight"}]}]}
func eventObject(r *rule, details []matchDetail, obf obfuscator) object.Object {
	matches := make([]object.Object, len(details))
	for i, d := range details {
		value, highlight := d.value, d.highlight
		if obf.sensitiveKey(d.keyPath) || obf.sensitiveValue(value) {
			value, highlight = redactedMarker, redactedMarker
		}

		keyPath := make([]object.Object, len(d.keyPath))
		for j, seg := range d.keyPath {
			keyPath[j] = object.String(seg)
		}

		cond := &r.conditions[i]
		matches[i] = object.Map(
			object.Pair("operator", object.String(cond.operator)),
			object.Pair("operator_value", object.String(cond.operatorValue)),
			object.Pair("parameters", object.Array(object.Map(
				object.Pair("address", object.String(d.address)),
				object.Pair("key_path", object.Array(keyPath...)),
				object.Pair("value", object.String(value)),
				object.Pair("highlight", object.Array(object.String(highlight))),
			))),
		)
	}

	onMatch := make([]object.Object, len(r.onMatch))
	for i, a := range r.onMatch {
		onMatch[i] = object.String(a)
	}

	return object.Map(
		object.Pair("rule", object.Map(
			object.Pair("id", object.String(r.id)),
			object.Pair("name", object.String(r.name)),
			object.Pair("tags", r.tags.Clone()),
			object.Pair("on_match", object.Array(onMatch...)),
		)),
		object.Pair("rule_matches", object.Array(matches...)),
	)
}
