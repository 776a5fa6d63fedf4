// Package item derives stable content hashes from item descriptors.
package item

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// InternalNamespace prefixes tag keys owned by the storage system itself.
// Such tags are bookkeeping (disk ids, cell counters) and never part of an
// item's identity.
const InternalNamespace = "mss:"

type Enchantment struct {
	ID    string `json:"id" msgpack:"id"`
	Level int    `json:"level" msgpack:"level"`
}

type TagKind uint8

const (
	TagString TagKind = iota + 1
	TagInt
	TagBool
)

func (k TagKind) String() string {
	switch k {
	case TagString:
		return "string"
	case TagInt:
		return "int"
	case TagBool:
		return "bool"
	default:
		return "unknown"
	}
}

// TagValue is a typed structured-tag value. Exactly one of Str/Int/Bool is
// meaningful, selected by Kind.
type TagValue struct {
	Kind TagKind `msgpack:"k"`
	Str  string  `msgpack:"s,omitempty"`
	Int  int64   `msgpack:"i,omitempty"`
	Bool bool    `msgpack:"b,omitempty"`
}

func StringTag(v string) TagValue { return TagValue{Kind: TagString, Str: v} }
func IntTag(v int64) TagValue     { return TagValue{Kind: TagInt, Int: v} }
func BoolTag(v bool) TagValue     { return TagValue{Kind: TagBool, Bool: v} }

func (v TagValue) String() string {
	switch v.Kind {
	case TagString:
		return v.Str
	case TagInt:
		return fmt.Sprintf("%d", v.Int)
	case TagBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return ""
	}
}

type tagValueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v TagValue) MarshalJSON() ([]byte, error) {
	var raw []byte
	var err error
	switch v.Kind {
	case TagString:
		raw, err = json.Marshal(v.Str)
	case TagInt:
		raw, err = json.Marshal(v.Int)
	case TagBool:
		raw, err = json.Marshal(v.Bool)
	default:
		return nil, fmt.Errorf("tag value: unknown kind %d", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagValueJSON{Kind: v.Kind.String(), Value: raw})
}

func (v *TagValue) UnmarshalJSON(b []byte) error {
	var in tagValueJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*v = TagValue{}
	switch in.Kind {
	case "string":
		v.Kind = TagString
		return json.Unmarshal(in.Value, &v.Str)
	case "int":
		v.Kind = TagInt
		return json.Unmarshal(in.Value, &v.Int)
	case "bool":
		v.Kind = TagBool
		return json.Unmarshal(in.Value, &v.Bool)
	default:
		return fmt.Errorf("tag value: unknown kind %q", in.Kind)
	}
}

type Tag struct {
	Key   string   `json:"key" msgpack:"key"`
	Value TagValue `json:"value" msgpack:"value"`
}

// Descriptor is the canonical, externally observable description of an item
// instance. Durability is nil for item types without durability.
type Descriptor struct {
	Type         string        `json:"type" msgpack:"type"`
	DisplayName  string        `json:"display_name,omitempty" msgpack:"display_name,omitempty"`
	Lore         []string      `json:"lore,omitempty" msgpack:"lore,omitempty"`
	Enchantments []Enchantment `json:"enchantments,omitempty" msgpack:"enchantments,omitempty"`
	Durability   *int          `json:"durability,omitempty" msgpack:"durability,omitempty"`
	Tags         []Tag         `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// Canonical returns a normalized copy: enchantments sorted by (id, level),
// internal tags dropped, remaining tags sorted by key with the last
// occurrence of a duplicated key winning. The receiver is not modified.
func (d Descriptor) Canonical() Descriptor {
	out := Descriptor{
		Type:        d.Type,
		DisplayName: d.DisplayName,
	}
	if len(d.Lore) > 0 {
		out.Lore = append([]string(nil), d.Lore...)
	}
	if len(d.Enchantments) > 0 {
		out.Enchantments = append([]Enchantment(nil), d.Enchantments...)
		sort.Slice(out.Enchantments, func(i, j int) bool {
			a, b := out.Enchantments[i], out.Enchantments[j]
			if a.ID != b.ID {
				return a.ID < b.ID
			}
			return a.Level < b.Level
		})
	}
	if d.Durability != nil {
		v := *d.Durability
		out.Durability = &v
	}
	if len(d.Tags) > 0 {
		byKey := make(map[string]TagValue, len(d.Tags))
		for _, t := range d.Tags {
			if t.Key == "" || IsInternalKey(t.Key) {
				continue
			}
			byKey[t.Key] = t.Value
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out.Tags = append(out.Tags, Tag{Key: k, Value: byKey[k]})
		}
	}
	return out
}

// Tag returns the value of the structured tag with the given key.
func (d Descriptor) Tag(key string) (TagValue, bool) {
	for i := len(d.Tags) - 1; i >= 0; i-- {
		if d.Tags[i].Key == key {
			return d.Tags[i].Value, true
		}
	}
	return TagValue{}, false
}

func IsInternalKey(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), InternalNamespace)
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("descriptor: empty type")
	}
	if strings.TrimSpace(d.Type) != d.Type {
		return fmt.Errorf("descriptor: type %q has surrounding whitespace", d.Type)
	}
	for _, t := range d.Tags {
		switch t.Value.Kind {
		case TagString, TagInt, TagBool:
		default:
			return fmt.Errorf("descriptor: tag %q has unknown kind %d", t.Key, t.Value.Kind)
		}
	}
	return nil
}

func (d Descriptor) String() string {
	if d.DisplayName != "" {
		return fmt.Sprintf("%s(%q)", d.Type, d.DisplayName)
	}
	return d.Type
}
