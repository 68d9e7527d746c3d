package rollback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/skills"
)

var (
	// ErrEvolutionaryDeadEnd is returned by SaveVersionedPatch when the
	// code's hash is already a known dead end.
	ErrEvolutionaryDeadEnd = errors.New("rollback: evolutionary dead end")

	// ErrNoActiveVersion is returned by RollbackSkill when the skill has
	// no currently active version.
	ErrNoActiveVersion = errors.New("rollback: no active version")

	// ErrAlreadyAtTarget is returned by RollbackSkill when the resolved
	// target version is already the active one.
	ErrAlreadyAtTarget = errors.New("rollback: already at target version")

	// ErrNotEnoughHistory is returned by RollbackSkill when fewer than
	// two versions exist for the skill.
	ErrNotEnoughHistory = errors.New("rollback: not enough history")
)

// DeadEndError carries the hash, reason, and occurrence count of a
// rejected save attempt.
type DeadEndError struct {
	Hash        string
	Reason      string
	Occurrences int
}

func (e *DeadEndError) Error() string {
	return fmt.Sprintf("rollback: evolutionary dead end (hash=%s, reason=%q, occurrences=%d)", e.Hash, e.Reason, e.Occurrences)
}

func (e *DeadEndError) Unwrap() error { return ErrEvolutionaryDeadEnd }

// Manager is the Rollback Manager: versioned patch storage, the
// atomic current-pointer discipline, and the genetic memory of dead
// ends. Per-skill version lists are guarded by mu; genetic memory has
// its own internal lock.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	versions map[string][]*PatchVersion // skill -> versions, timestamp ascending
	genetic  *GeneticMemory
	store    *kb.Store
	loader   *skills.Loader
	log      *zap.Logger
}

// Open constructs a Manager, creates patches/artifacts directories if
// absent, replays durable genetic-memory dead ends from Chronos, then
// walks patches_dir reconstructing per-skill version lists from
// filenames and registering each hash as known DNA.
func Open(cfg Config, store *kb.Store, loader *skills.Loader, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxVersionsPerSkill <= 0 {
		cfg.MaxVersionsPerSkill = 50
	}
	if err := os.MkdirAll(cfg.PatchesDir, 0o700); err != nil {
		return nil, fmt.Errorf("rollback: mkdir patches dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsDir, 0o700); err != nil {
		return nil, fmt.Errorf("rollback: mkdir artifacts dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		versions: make(map[string][]*PatchVersion),
		genetic:  NewGeneticMemory(),
		store:    store,
		loader:   loader,
		log:      log,
	}

	if err := os.MkdirAll(m.rejectedDir(), 0o700); err != nil {
		return nil, fmt.Errorf("rollback: mkdir rejected dir: %w", err)
	}

	if store != nil {
		durable, err := store.ListDeadEnds()
		if err != nil {
			return nil, fmt.Errorf("rollback: replay durable dead ends: %w", err)
		}
		for _, d := range durable {
			m.genetic.SeedDeadEnd(DeadEnd(d))
		}
	}

	if err := m.scanPatchesDir(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) scanPatchesDir() error {
	entries, err := os.ReadDir(m.cfg.PatchesDir)
	if err != nil {
		return fmt.Errorf("rollback: read patches dir: %w", err)
	}

	currentContents := make(map[string][]byte) // skill -> current_* file bytes
	type found struct {
		skill string
		ts    int64
		path  string
	}
	var sources []found

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if skill, ok := parseCurrentFileName(name); ok {
			data, err := os.ReadFile(filepath.Join(m.cfg.PatchesDir, name))
			if err == nil {
				currentContents[skill] = data
			}
			continue
		}
		if skill, ts, ok := parseVersionFileName(name); ok {
			sources = append(sources, found{skill: skill, ts: ts, path: filepath.Join(m.cfg.PatchesDir, name)})
		}
	}

	for _, f := range sources {
		data, err := os.ReadFile(f.path)
		if err != nil {
			m.log.Warn("rollback: skip unreadable patch file", zap.String("path", f.path), zap.Error(err))
			continue
		}
		hash := ComputeHash(string(data))
		isActive := false
		if cur, ok := currentContents[f.skill]; ok && string(cur) == string(data) {
			isActive = true
		}
		pv := &PatchVersion{
			Skill:       f.skill,
			TimestampMs: f.ts,
			CodeHash:    hash,
			SourcePath:  f.path,
			IsActive:    isActive,
			Status:      StatusApplied,
		}
		m.versions[f.skill] = append(m.versions[f.skill], pv)
		m.genetic.RegisterDNA(hash, f.skill)
	}

	if err := m.scanRejectedDir(); err != nil {
		return err
	}

	for skill := range m.versions {
		sort.Slice(m.versions[skill], func(i, j int) bool {
			return m.versions[skill][i].TimestampMs < m.versions[skill][j].TimestampMs
		})
	}
	return nil
}

// scanRejectedDir replays status-only PatchVersion rows for every
// auto-rejected candidate found under rejectedDir, so a restart does
// not lose the observable record of what the Validator turned down.
// These rows are never active and never touch a current pointer.
func (m *Manager) scanRejectedDir() error {
	entries, err := os.ReadDir(m.rejectedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("rollback: read rejected dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		skill, status, ts, ok := parseRejectedFileName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(m.rejectedDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn("rollback: skip unreadable rejected patch file", zap.String("path", path), zap.Error(err))
			continue
		}
		m.versions[skill] = append(m.versions[skill], &PatchVersion{
			Skill:       skill,
			TimestampMs: ts,
			CodeHash:    ComputeHash(string(data)),
			SourcePath:  path,
			Status:      status,
		})
	}
	return nil
}

func parseCurrentFileName(name string) (skill string, ok bool) {
	const prefix, suffix = "current_", ".go"
	if len(name) <= len(prefix)+len(suffix) {
		return "", false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}

// SaveVersionedPatch writes code as a new PatchVersion for skill,
// refusing known dead-end hashes, and immediately promotes it: any
// existing active version for skill is superseded (IsActive cleared,
// Status set to StatusSuperseded) and the new version becomes active
// with Status Applied, repointing current_{skill}.go. This is the
// only path into SaveVersionedPatch — the Maintenance Loop calls it
// once a candidate has already compiled, passed its smoke test, and
// been approved, so every save here is a real promotion, not a
// provisional write a caller might later activate.
func (m *Manager) SaveVersionedPatch(skill, code, description string) (*PatchVersion, error) {
	hash := ComputeHash(code)
	if d, ok := m.genetic.IsDeadEnd(hash); ok {
		return nil, &DeadEndError{Hash: hash, Reason: d.Reason, Occurrences: d.OccurrenceCount}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := nowMs()
	path := m.sourcePath(skill, ts)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("rollback: write patch source: %w", err)
	}

	existing := m.versions[skill]
	if prevIdx := m.activeIndexLocked(skill); prevIdx >= 0 {
		existing[prevIdx].IsActive = false
		existing[prevIdx].Status = StatusSuperseded
	}

	pv := &PatchVersion{
		Skill:       skill,
		TimestampMs: ts,
		CodeHash:    hash,
		SourcePath:  path,
		Status:      StatusApplied,
		Description: description,
		IsActive:    true,
	}
	m.versions[skill] = append(existing, pv)
	m.genetic.RegisterDNA(hash, skill)

	if err := updateCurrentPointer(m.currentSourcePath(skill), path); err != nil {
		return nil, fmt.Errorf("rollback: update current pointer: %w", err)
	}

	m.pruneLocked(skill)
	return pv, nil
}

// SaveRejectedPatch persists a status-only PatchVersion row for a
// candidate the Validator auto-rejected before it ever reached
// promotion. It never consults or updates genetic memory (callers
// that also want the hash excluded from future reflexion call
// MarkDeadEnd separately) and never touches the current pointer — the
// row exists purely so a rejected attempt remains observable in
// ListVersions and survives a restart.
func (m *Manager) SaveRejectedPatch(skill, code, description string, status PatchStatus) (*PatchVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := nowMs()
	path := m.rejectedPath(skill, status, ts)
	if err := os.WriteFile(path, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("rollback: write rejected patch source: %w", err)
	}

	pv := &PatchVersion{
		Skill:       skill,
		TimestampMs: ts,
		CodeHash:    ComputeHash(code),
		SourcePath:  path,
		Status:      status,
		Description: description,
	}
	m.versions[skill] = append(m.versions[skill], pv)
	sort.Slice(m.versions[skill], func(i, j int) bool {
		return m.versions[skill][i].TimestampMs < m.versions[skill][j].TimestampMs
	})
	m.pruneLocked(skill)
	return pv, nil
}

// RegisterArtifact attaches a compiled artifact path to the version
// identified by (skill, timestampMs), copies it under ArtifactsDir,
// and — if that version is the active one — updates the artifact
// current pointer.
func (m *Manager) RegisterArtifact(skill string, timestampMs int64, artifactSrcPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pv := m.findLocked(skill, timestampMs)
	if pv == nil {
		return fmt.Errorf("rollback: no version %s@%d to register artifact for", skill, timestampMs)
	}

	dst := m.artifactPath(skill, timestampMs)
	data, err := os.ReadFile(artifactSrcPath)
	if err != nil {
		return fmt.Errorf("rollback: read artifact source: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o700); err != nil {
		return fmt.Errorf("rollback: write artifact copy: %w", err)
	}
	pv.ArtifactPath = dst

	if pv.IsActive {
		if err := updateCurrentPointer(m.currentArtifactPath(skill), dst); err != nil {
			return fmt.Errorf("rollback: set artifact current pointer: %w", err)
		}
	}
	return nil
}

func (m *Manager) findLocked(skill string, timestampMs int64) *PatchVersion {
	for _, v := range m.versions[skill] {
		if v.TimestampMs == timestampMs {
			return v
		}
	}
	return nil
}

func (m *Manager) activeIndexLocked(skill string) int {
	for i, v := range m.versions[skill] {
		if v.IsActive {
			return i
		}
	}
	return -1
}

// RollbackSkill flips the active version for skill from the current
// one to target (explicit timestamp, or the immediate predecessor
// when target is nil), marking the superseded hash as a dead end.
func (m *Manager) RollbackSkill(skill string, targetTimestampMs *int64, reason string) (*PatchVersion, error) {
	m.mu.Lock()
	versions := m.versions[skill]
	if len(versions) < 2 {
		m.mu.Unlock()
		return nil, ErrNotEnoughHistory
	}
	activeIdx := m.activeIndexLocked(skill)
	if activeIdx < 0 {
		m.mu.Unlock()
		return nil, ErrNoActiveVersion
	}

	targetIdx := activeIdx - 1
	if targetTimestampMs != nil {
		targetIdx = -1
		for i, v := range versions {
			if v.TimestampMs == *targetTimestampMs {
				targetIdx = i
				break
			}
		}
		if targetIdx < 0 {
			m.mu.Unlock()
			return nil, fmt.Errorf("rollback: no version %s@%d", skill, *targetTimestampMs)
		}
	}
	if targetIdx < 0 {
		m.mu.Unlock()
		return nil, ErrNotEnoughHistory
	}
	if targetIdx == activeIdx {
		m.mu.Unlock()
		return nil, ErrAlreadyAtTarget
	}

	current := versions[activeIdx]
	target := versions[targetIdx]

	current.IsActive = false
	current.Status = StatusRolledBack
	target.IsActive = true
	target.Status = StatusApplied

	if err := updateCurrentPointer(m.currentSourcePath(skill), target.SourcePath); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("rollback: update source pointer: %w", err)
	}
	var loadErr error
	if target.ArtifactPath != "" {
		if err := updateCurrentPointer(m.currentArtifactPath(skill), target.ArtifactPath); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("rollback: update artifact pointer: %w", err)
		}
	}
	if m.loader != nil {
		if data, err := os.ReadFile(target.SourcePath); err == nil {
			loadErr = m.loader.Load(skill, target.SourcePath, string(data))
		}
	}
	supersededHash := current.CodeHash
	m.mu.Unlock()

	m.markDeadEndInternal(supersededHash, skill, "Rolled back: "+reason)
	if loadErr != nil {
		m.log.Warn("rollback: reload after rollback failed", zap.String("skill", skill), zap.Error(loadErr))
	}
	return target, nil
}

// CheckDeadEnd reports whether hash is a known dead end.
func (m *Manager) CheckDeadEnd(hash string) (DeadEnd, bool) {
	return m.genetic.IsDeadEnd(hash)
}

// DeadEndCount returns the current number of known dead-end code
// hashes, for the Health Governor's sample.
func (m *Manager) DeadEndCount() int {
	return m.genetic.DeadEndCount()
}

// MarkDeadEnd marks code's hash as a dead end for skill, mirroring the
// record into Chronos (dead_end/{hash}) if a store is configured.
func (m *Manager) MarkDeadEnd(skill, code, reason string) DeadEnd {
	return m.markDeadEndInternal(ComputeHash(code), skill, reason)
}

// MarkRejected is an alias for MarkDeadEnd used by the approval path
// and by direct operator rejection, matching the original's naming.
func (m *Manager) MarkRejected(skill, code, reason string) DeadEnd {
	return m.MarkDeadEnd(skill, code, reason)
}

func (m *Manager) markDeadEndInternal(hash, skill, reason string) DeadEnd {
	d := m.genetic.MarkDeadEnd(hash, skill, reason)
	if m.store != nil {
		if err := m.store.PutDeadEnd(kb.DeadEndRecord{
			Hash: d.Hash, Skill: d.Skill, Reason: d.Reason,
			TimestampMs: d.TimestampMs, OccurrenceCount: d.OccurrenceCount,
		}); err != nil {
			m.log.Warn("rollback: failed to mirror dead end to chronos", zap.Error(err))
		}
	}
	return d
}

// GetActiveVersion returns skill's currently active version, if any.
func (m *Manager) GetActiveVersion(skill string) (*PatchVersion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.activeIndexLocked(skill)
	if idx < 0 {
		return nil, false
	}
	v := *m.versions[skill][idx]
	return &v, true
}

// ListVersions returns a snapshot of every version known for skill,
// oldest first.
func (m *Manager) ListVersions(skill string) []PatchVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PatchVersion, len(m.versions[skill]))
	for i, v := range m.versions[skill] {
		out[i] = *v
	}
	return out
}

// pruneLocked drops the oldest non-active versions for skill beyond
// MaxVersionsPerSkill, removing their source and artifact files. Must
// be called with mu held.
func (m *Manager) pruneLocked(skill string) {
	versions := m.versions[skill]
	if len(versions) <= m.cfg.MaxVersionsPerSkill {
		return
	}
	overflow := len(versions) - m.cfg.MaxVersionsPerSkill
	kept := make([]*PatchVersion, 0, len(versions))
	dropped := 0
	for _, v := range versions {
		if dropped < overflow && !v.IsActive {
			_ = os.Remove(v.SourcePath)
			if v.ArtifactPath != "" {
				_ = os.Remove(v.ArtifactPath)
			}
			dropped++
			continue
		}
		kept = append(kept, v)
	}
	m.versions[skill] = kept
}
