package parapet

import (
	"go.uber.org/zap"

	"github.com/parapet-dev/parapet/encoder"
	"github.com/parapet-dev/parapet/engine"
	"github.com/parapet-dev/parapet/object"
)

// Default obfuscator patterns. They target the usual carriers of secrets:
// passwords, API keys, session tokens, JWTs and private key material.
const (
	DefaultObfuscatorKeyRegex = `(?i)pass|pw(?:or)?d|secret|(?:api|private|public|access)[_-]?key|token|consumer[_-]?(?:id|key|secret)|sign(?:ed|ature)|bearer|authorization|jsessionid|phpsessid|asp\.net[_-]sessionid|sid|jwt`

	DefaultObfuscatorValueRegex = `(?i)(?:p(?:ass)?w(?:or)?d|pass(?:[_-]?phrase)?|secret(?:[_-]?key)?|(?:(?:api|private|public|access)[_-]?)key(?:[_-]?id)?|(?:(?:auth|access|id|refresh)[_-]?)?token|consumer[_-]?(?:id|key|secret)|sign(?:ed|ature)?|auth(?:entication|orization)?|jsessionid|phpsessid|asp\.net(?:[_-]|-)sessionid|sid|jwt)(?:\s*=([^;&]+)|"\s*:\s*("[^"]+"|\d+))|bearer\s+([a-z0-9\._\-]+)|token\s*:\s*([a-z0-9]{13})|gh[opsu]_([0-9a-zA-Z]{36})|ey[I-L][\w=-]+\.(ey[I-L][\w=-]+(?:\.[\w.+\/=-]+)?)|[\-]{5}BEGIN[a-z\s]+PRIVATE\sKEY[\-]{5}([^\-]+)[\-]{5}END[a-z\s]+PRIVATE\sKEY|ssh-rsa\s*([a-z0-9\/\.+]{100,})`
)

// Obfuscator configures how match events are scrubbed before they leave the
// engine. Empty patterns disable the corresponding scrub.
type Obfuscator struct {
	// KeyRegex redacts any match whose key path contains a matching key.
	KeyRegex string

	// ValueRegex redacts any match whose value matches.
	ValueRegex string
}

// Config carries everything a Builder needs. The zero value is usable:
// NewBuilder fills in engine defaults for anything left unset.
type Config struct {
	// Limits bound the encoder and must mirror the engine's own limits.
	Limits encoder.Limits

	// Obfuscator scrubs sensitive data from match events.
	Obfuscator Obfuscator

	// Engine is the function table to drive. Nil selects the built-in
	// in-process engine.
	Engine *engine.Table

	// Logger receives structured debug output. Nil keeps logging off.
	Logger *zap.Logger
}

// DefaultConfig returns the engine-default limits and obfuscator patterns.
func DefaultConfig() Config {
	return Config{
		Limits: encoder.DefaultLimits(),
		Obfuscator: Obfuscator{
			KeyRegex:   DefaultObfuscatorKeyRegex,
			ValueRegex: DefaultObfuscatorValueRegex,
		},
	}
}

// settings renders the config in the shape BuilderInit expects.
func (c Config) settings() object.Object {
	limits := c.Limits
	return object.Map(
		object.Pair("limits", object.Map(
			object.Pair("max_container_depth", object.Signed(int64(limits.MaxContainerDepth))),
			object.Pair("max_container_size", object.Signed(int64(limits.MaxContainerSize))),
			object.Pair("max_string_length", object.Signed(int64(limits.MaxStringLength))),
		)),
		object.Pair("obfuscator", object.Map(
			object.Pair("key_regex", object.String(c.Obfuscator.KeyRegex)),
			object.Pair("value_regex", object.String(c.Obfuscator.ValueRegex)),
		)),
	)
}
