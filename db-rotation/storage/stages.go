package storage

import (
	"fmt"
	"slices"
)

// stageMap is the version id -> labels bookkeeping shared by stores that keep
// labels themselves. Versions left without labels are dropped, matching how
// Secrets Manager reports deprecated versions.
type stageMap map[string][]string

func (m stageMap) clone() stageMap {
	out := make(stageMap, len(m))
	for version, stages := range m {
		out[version] = slices.Clone(stages)
	}
	return out
}

func (m stageMap) holder(stage string) string {
	for version, stages := range m {
		if slices.Contains(stages, stage) {
			return version
		}
	}
	return ""
}

func (m stageMap) add(version, stage string) {
	if !slices.Contains(m[version], stage) {
		m[version] = append(m[version], stage)
	}
}

func (m stageMap) remove(version, stage string) {
	stages := slices.DeleteFunc(m[version], func(s string) bool { return s == stage })
	if len(stages) == 0 {
		delete(m, version)
		return
	}
	m[version] = stages
}

// attach gives stage to version exclusively.
func (m stageMap) attach(version, stage string) {
	if old := m.holder(stage); old != "" && old != version {
		m.remove(old, stage)
	}
	m.add(version, stage)
}

// move applies a stage move with Secrets Manager semantics: from must hold the stage
// (or nobody must, when from is empty), and promoting AWSCURRENT hands AWSPREVIOUS to
// the old holder and clears AWSPENDING from the new one.
func (m stageMap) move(stage, to, from string) error {
	holder := m.holder(stage)
	if holder == to {
		return nil
	}
	if holder != from {
		return fmt.Errorf("%w: %s is held by %q, not %q", ErrConflict, stage, holder, from)
	}

	if holder != "" {
		m.remove(holder, stage)
	}
	m.add(to, stage)

	if stage == StageCurrent {
		m.remove(to, StagePending)
		if holder != "" {
			m.attach(holder, StagePrevious)
		}
	}
	return nil
}
