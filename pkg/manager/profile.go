package manager

import (
	"context"

	"github.com/devkiln/kiln/pkg/engine"
)

// ProfileStatus is how much of a profile's resolved plan is installed on a
// target.
type ProfileStatus struct {
	Profile   string   `json:"profile"`
	Target    string   `json:"target"`
	Installed int      `json:"installed"`
	Total     int      `json:"total"`
	Percent   float64  `json:"percent"`
	Missing   []string `json:"missing,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// Complete reports whether every extension of the plan is installed.
func (s ProfileStatus) Complete() bool {
	return s.Total > 0 && s.Installed == s.Total
}

// ProfileStatus compares a profile's plan, dependencies included, with the
// ledger of target.
func (m *Manager) ProfileStatus(ctx context.Context, profile, target string) (*ProfileStatus, error) {
	plan, err := m.Resolve(profile, nil)
	if err != nil {
		return nil, err
	}
	statuses, err := m.Status(ctx, target)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]engine.Status, len(statuses))
	for _, st := range statuses {
		byName[st.Extension] = st
	}

	ps := &ProfileStatus{Profile: profile, Target: target, Total: len(plan.Order)}
	for _, name := range plan.Order {
		switch byName[name].Phase {
		case engine.PhaseInstalled:
			ps.Installed++
		case engine.PhaseFailed:
			ps.Failed = append(ps.Failed, name)
			ps.Missing = append(ps.Missing, name)
		default:
			ps.Missing = append(ps.Missing, name)
		}
	}
	if ps.Total > 0 {
		ps.Percent = float64(ps.Installed) * 100 / float64(ps.Total)
	}
	return ps, nil
}
