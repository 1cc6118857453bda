package postprocess

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Catalog is the set of streams a source exposes.
type Catalog struct {
	Streams []Stream `json:"streams"`
}

// Stream describes one stream's fields and primary key.
type Stream struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace,omitempty"`
	Fields     map[string]string `json:"fields"` // field path -> type
	PrimaryKey []string          `json:"primaryKey,omitempty"`
}

// StreamID identifies a stream within a catalog. Namespace and name are kept
// apart since either may contain dots.
type StreamID struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// ID returns the stream's identity.
func (s Stream) ID() StreamID {
	return StreamID{Namespace: s.Namespace, Name: s.Name}
}

func (id StreamID) String() string {
	if id.Namespace == "" {
		return id.Name
	}
	return id.Namespace + "." + id.Name
}

func (id StreamID) compare(other StreamID) int {
	if c := cmp.Compare(id.Namespace, other.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(id.Name, other.Name)
}

// ParseCatalog decodes and normalizes a catalog. Empty input is an empty catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[StreamID]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			return nil, fmt.Errorf("stream %d has no name", i)
		}
		if seen[s.ID()] {
			return nil, fmt.Errorf("duplicate stream %s", s.ID())
		}
		seen[s.ID()] = true
		if s.Fields == nil {
			s.Fields = map[string]string{}
		}
	}
	slices.SortFunc(c.Streams, func(a, b Stream) int { return a.ID().compare(b.ID()) })
	return c, nil
}

// Marshal returns the normalized JSON form of the catalog.
func (c *Catalog) Marshal() []byte {
	data, _ := json.Marshal(c)
	return data
}

// SchemaDiff is the structural difference between two catalogs.
type SchemaDiff struct {
	StreamsAdded   []StreamID   `json:"streamsAdded"`
	StreamsRemoved []StreamID   `json:"streamsRemoved"`
	StreamsChanged []StreamDiff `json:"streamsChanged"`
	Breaking       bool         `json:"breaking"`
}

// Empty reports whether the catalogs were identical.
func (d *SchemaDiff) Empty() bool {
	return len(d.StreamsAdded) == 0 && len(d.StreamsRemoved) == 0 && len(d.StreamsChanged) == 0
}

// StreamDiff lists the changes within one stream.
type StreamDiff struct {
	Stream        StreamID    `json:"stream"`
	FieldsAdded   []string    `json:"fieldsAdded,omitempty"`
	FieldsRemoved []string    `json:"fieldsRemoved,omitempty"`
	FieldsChanged []FieldDiff `json:"fieldsChanged,omitempty"`
	PrimaryKey    *KeyChange  `json:"primaryKey,omitempty"`
	Breaking      bool        `json:"breaking"`
}

// FieldDiff is a field whose type changed.
type FieldDiff struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// KeyChange is a primary key change.
type KeyChange struct {
	From []string `json:"from"`
	To   []string `json:"to"`
}

// Diff compares next against prev. A nil or empty prev yields every stream
// of next as added.
func Diff(prev, next *Catalog) *SchemaDiff {
	if prev == nil {
		prev = &Catalog{}
	}
	if next == nil {
		next = &Catalog{}
	}
	d := &SchemaDiff{
		StreamsAdded:   []StreamID{},
		StreamsRemoved: []StreamID{},
		StreamsChanged: []StreamDiff{},
	}

	old := make(map[StreamID]Stream, len(prev.Streams))
	for _, s := range prev.Streams {
		old[s.ID()] = s
	}
	cur := make(map[StreamID]Stream, len(next.Streams))
	for _, s := range next.Streams {
		cur[s.ID()] = s
	}

	for id, s := range cur {
		p, ok := old[id]
		if !ok {
			d.StreamsAdded = append(d.StreamsAdded, id)
			continue
		}
		if sd, changed := diffStream(id, p, s); changed {
			d.StreamsChanged = append(d.StreamsChanged, sd)
			d.Breaking = d.Breaking || sd.Breaking
		}
	}
	for id := range old {
		if _, ok := cur[id]; !ok {
			d.StreamsRemoved = append(d.StreamsRemoved, id)
		}
	}

	byID := func(a, b StreamID) int { return a.compare(b) }
	slices.SortFunc(d.StreamsAdded, byID)
	slices.SortFunc(d.StreamsRemoved, byID)
	slices.SortFunc(d.StreamsChanged, func(a, b StreamDiff) int { return a.Stream.compare(b.Stream) })
	return d
}

func diffStream(id StreamID, prev, next Stream) (StreamDiff, bool) {
	sd := StreamDiff{Stream: id}
	pk := make(map[string]bool, len(prev.PrimaryKey))
	for _, f := range prev.PrimaryKey {
		pk[f] = true
	}

	for f, typ := range next.Fields {
		old, ok := prev.Fields[f]
		switch {
		case !ok:
			sd.FieldsAdded = append(sd.FieldsAdded, f)
		case !strings.EqualFold(old, typ):
			sd.FieldsChanged = append(sd.FieldsChanged, FieldDiff{Field: f, From: old, To: typ})
		}
	}
	for f := range prev.Fields {
		if _, ok := next.Fields[f]; !ok {
			sd.FieldsRemoved = append(sd.FieldsRemoved, f)
			if pk[f] {
				sd.Breaking = true
			}
		}
	}
	if !slices.Equal(prev.PrimaryKey, next.PrimaryKey) {
		sd.PrimaryKey = &KeyChange{From: prev.PrimaryKey, To: next.PrimaryKey}
		if len(prev.PrimaryKey) > 0 {
			sd.Breaking = true
		}
	}

	sort.Strings(sd.FieldsAdded)
	sort.Strings(sd.FieldsRemoved)
	sort.Slice(sd.FieldsChanged, func(i, j int) bool { return sd.FieldsChanged[i].Field < sd.FieldsChanged[j].Field })

	changed := len(sd.FieldsAdded) > 0 || len(sd.FieldsRemoved) > 0 || len(sd.FieldsChanged) > 0 || sd.PrimaryKey != nil
	return sd, changed
}
