package query

import (
	"context"
	"sort"
	"time"

	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
)

// How an owner was resolved.
const (
	OwnerViaEdge          = "edge"
	OwnerViaOwnerProperty = "property:owner"
	OwnerViaTeamProperty  = "property:team"
)

// Team contact properties copied onto owner and impact results.
const (
	PropLead         = "lead"
	PropSlackChannel = "slack_channel"
	PropOncall       = "oncall"
)

// Owner is the result of GetOwner. When Owned is false the node has no
// ownership edge or property.
type Owner struct {
	Node  string `json:"node"`
	Owned bool   `json:"owned"`
	// Team is the owning team's name; TeamID is its node id when the team
	// exists in the graph.
	Team   string `json:"team,omitempty"`
	TeamID string `json:"team_id,omitempty"`
	Via    string `json:"via,omitempty"`
	// Teams lists every owning team when several own the node.
	Teams        []string `json:"teams,omitempty"`
	Lead         string   `json:"lead,omitempty"`
	SlackChannel string   `json:"slack_channel,omitempty"`
	Oncall       string   `json:"oncall,omitempty"`
}

// GetOwner resolves the team owning id: incoming ownership edges first
// (team nodes before others, then by id), then the "owner" property, then
// the "team" property.
func (e *Engine) GetOwner(ctx context.Context, id string) (owner *Owner, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("owner", start, err) }(time.Now())

	idx, err := e.start(ctx, id)
	if err != nil {
		return nil, err
	}
	o := idx.ownerOf(id)
	return &o, nil
}

func (idx *index) ownerOf(id string) Owner {
	o := Owner{Node: id}

	var owners []*model.Node
	for _, adj := range idx.edges(id, Incoming) {
		if adj.edgeType != model.EdgeTypeOwns {
			continue
		}
		if n, ok := idx.node(adj.neighbor); ok {
			owners = append(owners, n)
		}
	}
	if len(owners) > 0 {
		sort.SliceStable(owners, func(i, j int) bool {
			ti := owners[i].Type == model.NodeTypeTeam
			tj := owners[j].Type == model.NodeTypeTeam
			if ti != tj {
				return ti
			}
			return owners[i].ID < owners[j].ID
		})
		o.Owned = true
		o.Via = OwnerViaEdge
		for _, n := range owners {
			o.Teams = append(o.Teams, n.Name)
		}
		o.setTeam(owners[0])
		return o
	}

	n, ok := idx.node(id)
	if !ok {
		return o
	}
	for _, p := range []struct{ key, via string }{
		{model.PropOwner, OwnerViaOwnerProperty},
		{model.PropTeam, OwnerViaTeamProperty},
	} {
		name := n.Properties.String(p.key)
		if name == "" {
			continue
		}
		o.Owned = true
		o.Via = p.via
		o.Team = name
		o.Teams = []string{name}
		if team, ok := idx.node(model.NodeID(model.NodeTypeTeam, name)); ok {
			o.setTeam(team)
		}
		return o
	}
	return o
}

func (o *Owner) setTeam(team *model.Node) {
	o.Team = team.Name
	o.TeamID = team.ID
	o.Lead = team.Properties.String(PropLead)
	o.SlackChannel = team.Properties.String(PropSlackChannel)
	o.Oncall = team.Properties.String(PropOncall)
}
