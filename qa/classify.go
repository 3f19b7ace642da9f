package qa

import (
	"fmt"
	"regexp"
	"strings"
)

// Environmental failures come from the sandbox setup, not the project
// code; feeding them back to the agent would just burn self-heal rounds.
var environmentalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)\bmvnw: not found`),
	regexp.MustCompile(`(?i)\bflutter: not found`),
	regexp.MustCompile(`(?i)no module named`),
	regexp.MustCompile(`(?i)cannot find module`),
	regexp.MustCompile(`(?i)permission denied.*(\/usr\/|\/bin\/|\.\/mvnw|npx?|node)`),
	regexp.MustCompile(`(?i)no such file or directory.*(mvnw|flutter|dotnet|mix)`),
}

// IsEnvironmental classifies a QA failure output.
func IsEnvironmental(output string) bool {
	for _, re := range environmentalPatterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// healHints maps project types to the stack-specific first-aid step.
var healHints = map[string]string{
	ProjectNode:    "If dependencies look missing, run `npm install` first.",
	ProjectPython:  "If imports fail, run `pip install -r requirements.txt` first.",
	ProjectFlutter: "If packages are missing, run `flutter pub get` first.",
	ProjectDotnet:  "If packages are missing, run `dotnet restore` first.",
	ProjectQuarkus: "If dependencies are missing, run `./mvnw -q dependency:resolve` first.",
	ProjectPhoenix: "If deps are missing, run `mix deps.get` first.",
}

// SelfHealMessage builds the synthetic user message fed back into the
// agent after a fixable QA failure.
func SelfHealMessage(result *Result, maxOutputChars int) string {
	failure := result.LastFailure()
	if failure == nil {
		return ""
	}
	output := failure.Output
	if maxOutputChars > 0 && len(output) > maxOutputChars {
		output = output[:maxOutputChars] + "\n... (truncated)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The automated checks failed. Command `%s` exited with code %d:\n\n%s\n\n",
		failure.Command, failure.ExitCode, output)
	b.WriteString("Please fix the problem and keep the rest of the code intact.")
	if hint, ok := healHints[result.ProjectType]; ok {
		b.WriteString(" " + hint)
	}
	return b.String()
}

// EnvironmentalMessage is the user-visible summary for failures the
// agent cannot repair.
func EnvironmentalMessage(result *Result) string {
	failure := result.LastFailure()
	if failure == nil {
		return ""
	}
	return fmt.Sprintf(
		"Quality checks could not run because of a sandbox environment/setup issue "+
			"(`%s` failed: %s). Your edits are kept; no automatic retry was attempted.",
		failure.Command, firstLine(failure.Output))
}

// FailSummaryMessage tells the user the controller gave up after the
// configured number of self-heal rounds.
func FailSummaryMessage(result *Result, rounds int) string {
	failure := result.LastFailure()
	detail := ""
	if failure != nil {
		detail = fmt.Sprintf(" Last failure: `%s` exited %d: %s",
			failure.Command, failure.ExitCode, firstLine(failure.Output))
	}
	return fmt.Sprintf(
		"I attempted %d automatic repair round(s) but the quality checks still fail.%s "+
			"The changes so far are committed; you may want to look at the failing command yourself.",
		rounds, detail)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
