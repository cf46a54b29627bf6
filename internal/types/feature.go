package types

import (
	"strconv"
	"time"
)

// FeatureDefinition describes a registered feature.
// Identity is (Name, Version), unique and immutable once created.
// Dtype and EntityType are fixed forever; TTL, Description and Tags
// may be updated after registration.
type FeatureDefinition struct {
	ID          int64
	Name        string
	Version     int
	Dtype       ValueType
	EntityType  string
	TTL         time.Duration
	Description string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the unique identity string for this definition.
func (d *FeatureDefinition) Key() string {
	return FeatureKey(d.Name, d.Version)
}

// FeatureKey builds the identity string for a (name, version) pair.
func FeatureKey(name string, version int) string {
	return name + "@" + strconv.Itoa(version)
}

// HasTag reports whether the definition carries the given tag.
func (d *FeatureDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d *FeatureDefinition) Clone() *FeatureDefinition {
	out := *d
	if d.Tags != nil {
		out.Tags = make([]string, len(d.Tags))
		copy(out.Tags, d.Tags)
	}
	return &out
}

// FeatureValue is one point of a feature's time series.
// Identity is (FeatureID, EntityID, TimestampMs); rows are append-only
// and re-applying the same logical write upserts under the same key.
type FeatureValue struct {
	FeatureID   int64
	EntityID    string
	TimestampMs int64
	Value       Value
	Metadata    map[string]string
}

// TimestampTime returns the value timestamp as a time.Time.
func (v *FeatureValue) TimestampTime() time.Time {
	return time.UnixMilli(v.TimestampMs)
}

// SeriesKey returns the identity of the series this value belongs to.
func (v *FeatureValue) SeriesKey() string {
	return strconv.FormatInt(v.FeatureID, 10) + "/" + v.EntityID
}
