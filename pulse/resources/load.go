package resources

import (
	"fmt"
	"sort"
)

// Load is an immutable demand of virtual units on one resource
type Load struct {
	resource ExecutionResource
	units    float64
}

// NewLoad creates a load of units on r
func NewLoad(r ExecutionResource, units float64) Load {
	return Load{resource: r, units: units}
}

func (l Load) Resource() ExecutionResource { return l.resource }
func (l Load) Units() float64              { return l.units }

// ResourceID is the id of the loaded resource, empty for the zero Load
func (l Load) ResourceID() string {
	if l.resource == nil {
		return ""
	}
	return l.resource.ID()
}

func (l Load) String() string {
	return fmt.Sprintf("%s=%.2f", l.ResourceID(), l.units)
}

// Merge folds src into dst keyed by resource id.
// maximize keeps the per-resource maximum, otherwise units are summed.
func Merge(dst map[string]Load, src []Load, maximize bool) {
	for _, l := range src {
		id := l.ResourceID()
		existing, ok := dst[id]
		if !ok {
			dst[id] = l
			continue
		}
		if maximize {
			if l.units > existing.units {
				dst[id] = Load{resource: existing.resource, units: l.units}
			}
			continue
		}
		dst[id] = Load{resource: existing.resource, units: existing.units + l.units}
	}
}

// Aggregate collapses loads to one per resource, sorted by resource id
func Aggregate(loads []Load, maximize bool) []Load {
	merged := make(map[string]Load, len(loads))
	Merge(merged, loads, maximize)
	return sorted(merged)
}

// sorted returns the loads of a merged map ordered by resource id
func sorted(m map[string]Load) []Load {
	out := make([]Load, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID() < out[j].ResourceID() })
	return out
}

// Shortfall describes a load that does not fit
type Shortfall struct {
	Resource string
	Needed   float64
	Free     float64
	Known    bool
}

func (s Shortfall) String() string {
	if !s.Known {
		return fmt.Sprintf("%s: unknown resource", s.Resource)
	}
	return fmt.Sprintf("%s: needs %.2f, free %.2f", s.Resource, s.Needed, s.Free)
}

// Fits reports whether every load is on a known resource and strictly below its free units
func Fits(loads []Load, free map[string]float64) (bool, []Shortfall) {
	var shortfalls []Shortfall
	for _, l := range loads {
		id := l.ResourceID()
		available, known := free[id]
		if !known {
			shortfalls = append(shortfalls, Shortfall{Resource: id, Needed: l.units})
			continue
		}
		if l.units >= available {
			shortfalls = append(shortfalls, Shortfall{Resource: id, Needed: l.units, Free: available, Known: true})
		}
	}
	return len(shortfalls) == 0, shortfalls
}
