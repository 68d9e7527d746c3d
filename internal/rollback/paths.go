package rollback

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// sanitizeSkillName maps a skill name to a filesystem-safe token.
// Patch filenames are reconstructed from this token by the startup
// scan, so the mapping must be unambiguous for the skill names this
// runtime actually registers (alphanumerics, underscore, dash).
func sanitizeSkillName(skill string) string {
	var b strings.Builder
	for _, r := range skill {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sourceFileName(skill string, timestampMs int64) string {
	return fmt.Sprintf("%s_v%d.go", sanitizeSkillName(skill), timestampMs)
}

func currentSourceFileName(skill string) string {
	return fmt.Sprintf("current_%s.go", sanitizeSkillName(skill))
}

func artifactFileName(skill string, timestampMs int64) string {
	return fmt.Sprintf("%s_v%d.so", sanitizeSkillName(skill), timestampMs)
}

func currentArtifactFileName(skill string) string {
	return fmt.Sprintf("current_%s.so", sanitizeSkillName(skill))
}

func (m *Manager) sourcePath(skill string, timestampMs int64) string {
	return filepath.Join(m.cfg.PatchesDir, sourceFileName(skill, timestampMs))
}

func (m *Manager) currentSourcePath(skill string) string {
	return filepath.Join(m.cfg.PatchesDir, currentSourceFileName(skill))
}

func (m *Manager) artifactPath(skill string, timestampMs int64) string {
	return filepath.Join(m.cfg.ArtifactsDir, artifactFileName(skill, timestampMs))
}

func (m *Manager) currentArtifactPath(skill string) string {
	return filepath.Join(m.cfg.ArtifactsDir, currentArtifactFileName(skill))
}

// rejectedDir holds status-only PatchVersion source for candidates the
// Validator auto-rejected. Kept as a subdirectory of PatchesDir, not
// filename-interleaved with sourceFileName's "{skill}_v{ts}.go"
// pattern, so the current-pointer reconciliation in scanPatchesDir
// never mistakes a rejected attempt for an applied version.
func (m *Manager) rejectedDir() string {
	return filepath.Join(m.cfg.PatchesDir, "rejected")
}

func rejectedFileName(skill string, status PatchStatus, timestampMs int64) string {
	return fmt.Sprintf("%s_%s_v%d.go", sanitizeSkillName(skill), string(status), timestampMs)
}

func (m *Manager) rejectedPath(skill string, status PatchStatus, timestampMs int64) string {
	return filepath.Join(m.rejectedDir(), rejectedFileName(skill, status, timestampMs))
}

// rejectedFilePattern parses "{sanitized_skill}_{status}_v{timestamp_ms}.go"
// filenames produced by rejectedFileName. The status alternatives are
// exactly the PatchStatus values the Validator can classify an
// auto-reject as.
var rejectedFilePattern = regexp.MustCompile(`^(.+)_(rejected|syntactic_hallucination|red_team_rejected|lethal_mutation)_v(\d+)\.go$`)

func parseRejectedFileName(name string) (skill string, status PatchStatus, timestampMs int64, ok bool) {
	mm := rejectedFilePattern.FindStringSubmatch(name)
	if mm == nil {
		return "", "", 0, false
	}
	ts, err := strconv.ParseInt(mm[3], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return mm[1], PatchStatus(mm[2]), ts, true
}

// versionFilePattern parses "{sanitized_skill}_v{timestamp_ms}.go"
// filenames produced by sourceFileName, for the startup directory
// scan. Skill tokens produced by sanitizeSkillName never contain
// "_v<digits>.go" as a natural substring boundary issue in practice
// because sanitization never introduces "_v" followed by digits from
// an original name containing a literal underscore-v-digit run; this
// is a known, accepted limitation of filename-encoded metadata.
var versionFilePattern = regexp.MustCompile(`^(.+)_v(\d+)\.go$`)

func parseVersionFileName(name string) (skill string, timestampMs int64, ok bool) {
	m := versionFilePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], ts, true
}
