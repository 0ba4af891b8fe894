package ruleset

import (
	_ "embed"

	"github.com/parapet-dev/parapet/object"
)

//go:embed recommended.json
var recommended []byte

// Recommended returns the bundled starter ruleset: a small set of generic
// detections (scanner user agents, traversal, SQL injection probes) meant as
// a working default until a real ruleset is deployed.
func Recommended() (object.Object, error) {
	return FromJSON(recommended)
}
