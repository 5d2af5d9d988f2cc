package resolve

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
)

// IrreversibleGuard protects guarded status values. When one side sets an
// irreversible value and the other does not, the irreversible side wins if
// its authority is permitted to set it; otherwise its change is rejected.
// A permitted local setter the server side never contested is left to the
// rest of the chain.
// A local mutation that clears an authorized irreversible value needs a
// permitted role at least as high as the one that set it.
func IrreversibleGuard(c Conflict) (Decision, bool) {
	if c.Policy == nil {
		return Decision{}, false
	}
	for _, g := range c.Policy.Guards {
		local, touched := c.Mutation.ChangedFields[g.Field]
		if !touched {
			continue
		}
		server := c.Server.Field(g.Field)
		localIrr, serverIrr := g.Irreversible(local), g.Irreversible(server)

		switch {
		case localIrr && !serverIrr:
			if !g.Permits(c.Mutation.Authority) {
				return Decision{
					Resolution: model.ResolutionIrreversibleRejected,
					Winner:     Server,
					Reject:     true,
					Visible:    true,
					Detail:     fmt.Sprintf("%s=%s requires one of %v", g.Field, display(local), g.Roles),
				}, true
			}
			if !slices.Contains(c.Detection.ServerChanged, g.Field) {
				continue
			}
			return Decision{
				Resolution: model.ResolutionIrreversibleGuard,
				Winner:     Local,
				Visible:    true,
				Detail:     fmt.Sprintf("%s=%s set by permitted authority", g.Field, display(local)),
			}, true

		case serverIrr && !localIrr:
			serverAuth := c.Detection.ServerAuthority
			if serverAuth.Known() && !g.Permits(serverAuth) {
				return Decision{
					Resolution: model.ResolutionIrreversibleRejected,
					Winner:     Local,
					Visible:    true,
					Detail:     fmt.Sprintf("server %s=%s lacks a permitted role", g.Field, display(server)),
				}, true
			}
			setBy := g.Level()
			if serverAuth.Known() {
				setBy = serverAuth.Level()
			}
			if g.Permits(c.Mutation.Authority) && c.Mutation.Authority.Level() >= setBy {
				return Decision{
					Resolution: model.ResolutionIrreversibleGuard,
					Winner:     Local,
					Visible:    true,
					Detail:     fmt.Sprintf("%s=%s cleared by permitted authority", g.Field, display(server)),
				}, true
			}
			return Decision{
				Resolution: model.ResolutionIrreversibleRejected,
				Winner:     Server,
				Reject:     true,
				Visible:    true,
				Detail:     fmt.Sprintf("%s=%s cannot be cleared without one of %v", g.Field, display(server), g.Roles),
			}, true
		}
	}
	return Decision{}, false
}

// AuthorityOrdering lets the side with the higher authority level win every
// contested field. It passes when the server side's authority is unknown or
// both levels are equal.
func AuthorityOrdering(c Conflict) (Decision, bool) {
	if len(c.contested()) == 0 || !c.Detection.ServerAuthority.Known() {
		return Decision{}, false
	}
	local := c.Mutation.Authority.Level()
	server := c.Detection.ServerAuthority.Level()
	if local == server {
		return Decision{}, false
	}
	d := Decision{
		Resolution: model.ResolutionAuthority,
		Winner:     Server,
		Visible:    true,
		Detail:     fmt.Sprintf("local level %d vs server level %d on %s", local, server, fieldList(c.contested())),
	}
	if local > server {
		d.Winner = Local
	}
	return d, true
}

// PhaseTransition settles a contested phase field by the transition graph.
// If exactly one side's state is a legal edge from the other's, that side
// wins. Otherwise the state with the greater lifecycle weight wins; equal
// weights pass.
func PhaseTransition(c Conflict) (Decision, bool) {
	if c.Policy == nil || c.Policy.Phase == nil {
		return Decision{}, false
	}
	machine := c.Policy.Phase
	if !slices.Contains(c.contested(), machine.Field) {
		return Decision{}, false
	}
	local, lok := c.Mutation.ChangedFields[machine.Field].(model.String)
	server, sok := c.Server.Field(machine.Field).(model.String)
	if !lok || !sok {
		return Decision{}, false
	}

	localLegal := machine.Legal(string(server), string(local))
	serverLegal := machine.Legal(string(local), string(server))
	d := Decision{
		Resolution: model.ResolutionPhaseTransition,
		Visible:    true,
	}
	switch {
	case localLegal && !serverLegal:
		d.Winner = Local
		d.Detail = fmt.Sprintf("%s -> %s is legal", server, local)
		return d, true
	case serverLegal && !localLegal:
		d.Winner = Server
		d.Detail = fmt.Sprintf("%s -> %s is legal", local, server)
		return d, true
	}

	lw, sw := machine.Weight(string(local)), machine.Weight(string(server))
	if lw == sw {
		return Decision{}, false
	}
	d.Winner = Server
	if lw > sw {
		d.Winner = Local
	}
	d.Detail = fmt.Sprintf("lifecycle weight local %d vs server %d", lw, sw)
	return d, true
}

// HistoryMerge merges field by field when no field the mutation touches was
// changed by another writer since its base. Nothing is surfaced to the user.
func HistoryMerge(c Conflict) (Decision, bool) {
	if len(c.contested()) > 0 {
		return Decision{}, false
	}
	return Decision{
		Resolution: model.ResolutionHistoryMerge,
		Winner:     Local,
		Detail:     fmt.Sprintf("server changed %s", fieldList(c.Detection.ServerChanged)),
	}, true
}

// FieldStrategy applies the declared per-field strategies to the contested
// fields. It passes when every contested field uses prefer-latest-timestamp,
// leaving those to TimestampFallback.
func FieldStrategy(c Conflict) (Decision, bool) {
	if c.Policy == nil {
		return Decision{}, false
	}
	declared := false
	for _, f := range c.contested() {
		if c.Policy.StrategyFor(f) != policy.PreferLatest {
			declared = true
			break
		}
	}
	if !declared {
		return Decision{}, false
	}

	d := Decision{
		Resolution: model.ResolutionFieldStrategy,
		Fields:     make(map[string]Side),
		Values:     make(map[string]model.Value),
		Visible:    true,
	}
	var applied []string
	for _, f := range c.contested() {
		strategy := c.Policy.StrategyFor(f)
		local, server := c.Mutation.ChangedFields[f], c.Server.Field(f)
		if v, ok := combine(strategy, local, server); ok {
			d.Values[f] = v
		} else {
			switch strategy {
			case policy.PreferLocal:
				d.Fields[f] = Local
			case policy.PreferServer:
				d.Fields[f] = Server
			default:
				strategy = policy.PreferLatest
				d.Fields[f] = latest(c.Mutation.CreatedAt, fieldTime(c.Server, f))
			}
		}
		applied = append(applied, fmt.Sprintf("%s:%s", f, strategy))
	}
	d.Detail = fieldList(applied)
	return d, true
}

// TimestampFallback lets the later side win every contested field. The
// mutation time is the skew-corrected time taken at enqueue; ties go to the
// server.
func TimestampFallback(c Conflict) (Decision, bool) {
	return Decision{
		Resolution: model.ResolutionTimestamp,
		Winner:     latest(c.Mutation.CreatedAt, c.Server.UpdatedAt),
		Visible:    true,
		Detail: fmt.Sprintf("local %s vs server %s",
			c.Mutation.CreatedAt.UTC().Format(time.RFC3339Nano),
			c.Server.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}, true
}

// combine evaluates combinator strategies. It reports false when the
// strategy is not a combinator or does not apply to the value types.
func combine(s policy.Strategy, local, server model.Value) (model.Value, bool) {
	switch s {
	case policy.Concat:
		l, lok := local.(model.String)
		r, rok := server.(model.String)
		if _, null := server.(model.Null); null && lok {
			return l, true
		}
		if !lok || !rok {
			return nil, false
		}
		switch {
		case r == "" || l == r:
			return l, true
		case l == "":
			return r, true
		}
		return r + "\n" + l, true

	case policy.Max, policy.Min:
		l, lok := local.(model.Int)
		r, rok := server.(model.Int)
		if !lok || !rok {
			return nil, false
		}
		if s == policy.Max {
			return max(l, r), true
		}
		return min(l, r), true
	}
	return nil, false
}

// latest returns the side whose time is strictly later; ties go to the
// server.
func latest(local, server time.Time) Side {
	if local.After(server) {
		return Local
	}
	return Server
}

// fieldTime is the server's last write time of a field, falling back to the
// entity's update time.
func fieldTime(e *model.Entity, field string) time.Time {
	if stamp, ok := e.FieldMeta[field]; ok && !stamp.UpdatedAt.IsZero() {
		return stamp.UpdatedAt
	}
	return e.UpdatedAt
}

func display(v model.Value) string {
	if s, ok := v.(model.String); ok {
		return string(s)
	}
	data, err := model.MarshalValue(v)
	if err != nil {
		return "?"
	}
	return string(data)
}
