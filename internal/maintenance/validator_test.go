package maintenance

import (
	"context"
	"testing"

	"github.com/sovereign/pagi/internal/rollback"
)

const goodPatch = `
func Execute(input string) (string, error) {
	return "{\"ok\":true}", nil
}
`

const brokenPatch = `
func Execute(input string) (string, error) {
	this is not valid go
}
`

const badOutputPatch = `
func Execute(input string) (string, error) {
	return "not json", nil
}
`

const riskyPatch = `
func Execute(input string) (string, error) {
	os.RemoveAll("/tmp/x")
	exec.Command("rm", "-rf", "/tmp/x").Run()
	return "{\"ok\":true}", nil
}
`


func TestValidatorAcceptsGoodPatch(t *testing.T) {
	v := NewValidator(0)
	res := v.Validate(context.Background(), goodPatch, "patch1", "echo_skill")
	if res.AutoReject {
		t.Fatalf("expected accept, got reject: %s", res.RejectionReason)
	}
	if !res.Compiled || !res.SmokeTestPassed {
		t.Fatalf("expected compiled+passed, got %+v", res)
	}
	if res.PerfDelta.CPU == "" || res.PerfDelta.Mem == "" {
		t.Fatalf("expected populated perf delta, got %+v", res.PerfDelta)
	}
}

func TestValidatorRejectsCompileFailure(t *testing.T) {
	v := NewValidator(0)
	res := v.Validate(context.Background(), brokenPatch, "patch2", "echo_skill")
	if !res.AutoReject {
		t.Fatal("expected auto_reject for broken source")
	}
	if res.RejectionReason == "" {
		t.Fatal("expected a rejection reason")
	}
	if res.RejectStatus != rollback.StatusSyntacticHallucination {
		t.Fatalf("expected StatusSyntacticHallucination, got %s", res.RejectStatus)
	}
}

func TestValidatorRejectsNonJSONOutput(t *testing.T) {
	v := NewValidator(0)
	res := v.Validate(context.Background(), badOutputPatch, "patch3", "echo_skill")
	if !res.AutoReject {
		t.Fatal("expected auto_reject for non-JSON smoke test output")
	}
	if res.RejectStatus != rollback.StatusRejected {
		t.Fatalf("expected StatusRejected, got %s", res.RejectStatus)
	}
}

func TestValidatorRejectsHighRiskPatchAsRedTeamRejected(t *testing.T) {
	v := NewValidator(0)
	res := v.Validate(context.Background(), riskyPatch, "patch4", "echo_skill")
	if !res.AutoReject {
		t.Fatal("expected auto_reject for a patch flagging three dangerous call patterns")
	}
	if res.RejectStatus != rollback.StatusRedTeamRejected {
		t.Fatalf("expected StatusRedTeamRejected, got %s", res.RejectStatus)
	}
	if res.Compiled {
		t.Fatal("a red-team-rejected patch must never reach compilation")
	}
}

func TestIsCrashSignatureMatchesPanicAndFatalErrorText(t *testing.T) {
	cases := map[string]bool{
		"panic: deliberate crash [recovered]":            true,
		"runtime error: index out of range [3] with length 2": true,
		"fatal error: all goroutines are asleep":         true,
		"smoke test timed out after 30s":                 false,
		"output is not valid JSON":                       false,
	}
	for msg, want := range cases {
		if got := isCrashSignature(msg); got != want {
			t.Errorf("isCrashSignature(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestSmokeTestInputBySkillFamily(t *testing.T) {
	cases := map[string]string{
		"file_reader":     `{"operation":"list","path":"."}`,
		"sentiment_score": `{"text":"This is a test sentence for validation."}`,
		"knowledge_query": `{"query":"test","limit":1}`,
		"other_skill":     `{}`,
	}
	for skill, want := range cases {
		if got := smokeTestInput(skill); got != want {
			t.Errorf("smokeTestInput(%q) = %q, want %q", skill, got, want)
		}
	}
}

func TestAuditCodeFlagsDangerousCalls(t *testing.T) {
	audit := auditCode(`exec.Command("rm", "-rf", "/")`)
	if len(audit.FlaggedPatterns) == 0 {
		t.Fatal("expected flagged pattern for exec.Command")
	}
	if audit.RiskScore <= 0 {
		t.Fatal("expected positive risk score")
	}

	clean := auditCode(`strings.ToUpper("hi")`)
	if len(clean.FlaggedPatterns) != 0 {
		t.Fatalf("expected no flags, got %v", clean.FlaggedPatterns)
	}
}
