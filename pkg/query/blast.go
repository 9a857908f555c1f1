package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
)

// Severity classifies a blast radius.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityThresholds are exclusive lower bounds: a blast radius is high when
// more than HighAffected nodes or more than HighTeams teams are affected, and
// medium when more than MediumAffected nodes or MediumTeams teams are.
type SeverityThresholds struct {
	HighAffected   int `json:"high_affected"`
	HighTeams      int `json:"high_teams"`
	MediumAffected int `json:"medium_affected"`
	MediumTeams    int `json:"medium_teams"`
}

// DefaultSeverityThresholds: high above 10 nodes or 3 teams, medium above
// 2 nodes or 1 team.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{
		HighAffected:   10,
		HighTeams:      3,
		MediumAffected: 2,
		MediumTeams:    1,
	}
}

// Validate requires non-negative bounds with medium not above high.
func (s SeverityThresholds) Validate() error {
	if s.HighAffected < 0 || s.HighTeams < 0 || s.MediumAffected < 0 || s.MediumTeams < 0 {
		return model.InvalidArgumentf("severity thresholds must not be negative")
	}
	if s.MediumAffected > s.HighAffected || s.MediumTeams > s.HighTeams {
		return model.InvalidArgumentf("medium severity thresholds must not exceed high ones")
	}
	return nil
}

// Classify returns the severity for the given counts. An empty set is none.
func (s SeverityThresholds) Classify(affected, teams int) Severity {
	switch {
	case affected == 0:
		return SeverityNone
	case affected > s.HighAffected || teams > s.HighTeams:
		return SeverityHigh
	case affected > s.MediumAffected || teams > s.MediumTeams:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// TeamImpact groups affected nodes by owning team.
type TeamImpact struct {
	Team         string   `json:"team"`
	TeamID       string   `json:"team_id,omitempty"`
	Lead         string   `json:"lead,omitempty"`
	SlackChannel string   `json:"slack_channel,omitempty"`
	Oncall       string   `json:"oncall,omitempty"`
	Affected     []string `json:"affected"`
}

// BlastRadius is what breaks if a node fails: everything upstream of it.
type BlastRadius struct {
	Node          string        `json:"node"`
	MaxDepth      int           `json:"max_depth"`
	Affected      []ReachedNode `json:"affected"`
	AffectedCount int           `json:"affected_count"`
	Teams         []TeamImpact  `json:"teams"`
	TeamCount     int           `json:"team_count"`
	// Unowned lists affected nodes with no resolvable owner.
	Unowned  []string `json:"unowned,omitempty"`
	Severity Severity `json:"severity"`
}

// BlastRadius walks upstream from id (default depth 5, ownership edges
// excluded) and classifies the impact by affected node and team counts.
// Identical concurrent calls against the same graph state share one
// computation; the returned value must be treated as read-only.
func (e *Engine) BlastRadius(ctx context.Context, id string, opts ...Option) (br *BlastRadius, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("blast_radius", start, err) }(time.Now())

	o, err := resolve(e.cfg.BlastDepth, opts)
	if err != nil {
		return nil, err
	}
	idx, err := e.start(ctx, id)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("blast|%s|%s|%d", id, o.key(), idx.generation)
	v, err, shared := e.group.Do(key, func() (any, error) {
		return e.blastRadius(idx, id, o), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("shared blast radius computation", "node", id)
	}
	br = v.(*BlastRadius)
	metrics.ObserveResultSize("blast_radius", br.AffectedCount)
	return br, nil
}

func (e *Engine) blastRadius(idx *index, id string, o options) *BlastRadius {
	visits := idx.bfsFrontier(id, Incoming, o.filter(), o.depth)
	br := &BlastRadius{
		Node:     id,
		MaxDepth: o.depth,
		Affected: reached(idx, visits[1:]),
		Teams:    []TeamImpact{},
	}
	br.AffectedCount = len(br.Affected)

	teams := make(map[string]*TeamImpact)
	for _, n := range br.Affected {
		owner := idx.ownerOf(n.ID)
		if !owner.Owned {
			br.Unowned = append(br.Unowned, n.ID)
			continue
		}
		ti, ok := teams[owner.Team]
		if !ok {
			ti = &TeamImpact{
				Team:         owner.Team,
				TeamID:       owner.TeamID,
				Lead:         owner.Lead,
				SlackChannel: owner.SlackChannel,
				Oncall:       owner.Oncall,
			}
			teams[owner.Team] = ti
		}
		ti.Affected = append(ti.Affected, n.ID)
	}
	for _, ti := range teams {
		br.Teams = append(br.Teams, *ti)
	}
	sort.Slice(br.Teams, func(i, j int) bool { return br.Teams[i].Team < br.Teams[j].Team })
	br.TeamCount = len(br.Teams)
	br.Severity = e.cfg.Severity.Classify(br.AffectedCount, br.TeamCount)
	return br
}
