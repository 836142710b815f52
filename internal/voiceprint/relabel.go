package voiceprint

import "github.com/snarg/courtscribe/internal/interval"

// UnmappedPolicy decides what happens to intervals whose tag has no label.
type UnmappedPolicy string

const (
	// LabelUnknown rewrites the tag to the unknown label.
	LabelUnknown UnmappedPolicy = "unknown"
	// DropUnmapped removes the interval.
	DropUnmapped UnmappedPolicy = "drop"
)

// ApplyMapping returns a copy of intervals with every tag replaced by its
// label. Tags missing from the mapping are handled by policy; they are never
// folded into a known identity.
func ApplyMapping(intervals []interval.Interval, m Mapping, policy UnmappedPolicy, unknownLabel string) []interval.Interval {
	out := make([]interval.Interval, 0, len(intervals))
	for _, iv := range intervals {
		label, ok := m.Labels[iv.Speaker]
		if !ok {
			if policy == DropUnmapped {
				continue
			}
			label = unknownLabel
		}
		iv.Speaker = label
		out = append(out, iv)
	}
	return out
}
