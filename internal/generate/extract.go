package generate

import (
	"regexp"
	"strings"
)

var (
	fenceRe = regexp.MustCompile("(?s)```(?:javascript|js)?\\s*\n(.*?)```")
	// Loader statements are stripped defensively even though validation
	// would reject them; models sometimes prepend them out of habit.
	loaderLineRe = regexp.MustCompile(`(?m)^\s*(?:const|var|let)?\s*.*\brequire\s*\(.*$|^\s*import\b.*$`)
	riskLineRe   = regexp.MustCompile(`(?im)^(?:risk|warning|caution)s?\s*[:\-]\s*(.+)$`)
)

// ExtractScript pulls the transformation script and surrounding explanation
// out of a model reply. The first fenced code block is the script; text
// outside the fence is the explanation; lines flagged as risks or warnings
// are collected separately. A reply without a fence is treated as a bare
// script only when it references the df binding.
func ExtractScript(reply string) (script, explanation string, risks []string) {
	reply = strings.TrimSpace(reply)

	if m := fenceRe.FindStringSubmatchIndex(reply); m != nil {
		script = strings.TrimSpace(reply[m[2]:m[3]])
		explanation = strings.TrimSpace(reply[:m[0]] + "\n" + reply[m[1]:])
	} else if strings.Contains(reply, "df") {
		script = reply
	} else {
		explanation = reply
	}

	script = strings.TrimSpace(loaderLineRe.ReplaceAllString(script, ""))

	for _, m := range riskLineRe.FindAllStringSubmatch(explanation, -1) {
		risks = append(risks, strings.TrimSpace(m[1]))
	}
	return script, explanation, risks
}
