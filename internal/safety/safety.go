// Package safety screens generated transformation scripts before they reach
// the executor. The check is a case-insensitive lexical denylist: it rejects
// scripts that mention capabilities the sandbox does not grant (module
// loading, dynamic evaluation, filesystem or environment access, process
// control, shell metacharacters). It is a fast-reject heuristic; the closed
// binding set of the executor remains the actual trust boundary.
package safety

import (
	"fmt"
	"strings"
)

// Violation reports the first denylisted token found in a script.
type Violation struct {
	Token  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("script rejected: %q (%s)", v.Token, v.Reason)
}

type rule struct {
	token  string
	reason string
}

// Denylist order is stable so the same script always reports the same token.
var denylist = []rule{
	// Module loading.
	{"require(", "module loading"},
	{"import(", "module loading"},
	{"import ", "module loading"},
	{"module.", "module loading"},
	// Dynamic code evaluation.
	{"eval(", "dynamic code evaluation"},
	{"new function", "dynamic function construction"},
	{"settimeout", "deferred code evaluation"},
	{"setinterval", "deferred code evaluation"},
	// Filesystem access.
	{"readfile", "filesystem access"},
	{"writefile", "filesystem access"},
	{"opensync", "filesystem access"},
	{"fs.", "filesystem access"},
	{"open(", "filesystem access"},
	{"__dirname", "filesystem access"},
	{"__filename", "filesystem access"},
	// Environment and runtime introspection.
	{"process.", "process introspection"},
	{"globalthis", "global object introspection"},
	{"constructor", "prototype introspection"},
	{"__proto__", "prototype introspection"},
	{"prototype", "prototype introspection"},
	{"reflect.", "runtime introspection"},
	{"getenv", "environment access"},
	{"environ", "environment access"},
	// Process and host control.
	{"exec(", "process control"},
	{"spawn", "process control"},
	{"kill(", "process control"},
	{"exit(", "process control"},
	{"fetch(", "network access"},
	{"xmlhttprequest", "network access"},
	{"websocket", "network access"},
	// Shell metacharacters have no place in a transform script. The bare $
	// covers $(...), ${...}, and jQuery-style calls alike.
	{"`", "shell metacharacter"},
	{"$", "shell metacharacter"},
}

// Validator rejects scripts containing denylisted tokens. The zero value is
// not usable; construct with New.
type Validator struct {
	rules []rule
}

// New returns a Validator with the built-in denylist plus any extra tokens.
func New(extraTokens ...string) *Validator {
	rules := make([]rule, 0, len(denylist)+len(extraTokens))
	rules = append(rules, denylist...)
	for _, tok := range extraTokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			rules = append(rules, rule{token: strings.ToLower(tok), reason: "configured denylist"})
		}
	}
	return &Validator{rules: rules}
}

// Validate returns nil for an acceptable script, or a *Violation naming the
// first denylisted token found. Matching is a case-insensitive substring
// scan over the raw text; strings and comments are not excluded, so a
// mention is enough to reject. False positives are acceptable here, false
// negatives are not.
func (v *Validator) Validate(script string) error {
	if strings.TrimSpace(script) == "" {
		return &Violation{Token: "", Reason: "empty script"}
	}
	lowered := strings.ToLower(script)
	for _, r := range v.rules {
		if strings.Contains(lowered, r.token) {
			return &Violation{Token: r.token, Reason: r.reason}
		}
	}
	return nil
}
