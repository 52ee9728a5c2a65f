// Package entity holds the immutable value types exchanged between catalyst
// nodes: entities, their deployments and the audit information attached to them.
package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ManifestFileName is the reserved name of the uploaded file carrying the
// entity manifest.
const ManifestFileName = "entity.json"

// Type identifies the kind of an entity.
type Type string

const (
	Scene    Type = "scene"
	Profile  Type = "profile"
	Wearable Type = "wearable"
)

// Types lists every supported entity type.
var Types = []Type{Scene, Profile, Wearable}

// ParseType returns the Type for its textual form, case-insensitive.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if known == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

func (t Type) String() string {
	return string(t)
}

// Version is the schema version of the deployment envelope, e.g. "v3".
type Version string

const (
	V2 Version = "v2"
	V3 Version = "v3"
)

// CurrentVersion is the version stamped on locally submitted deployments.
const CurrentVersion = V3

// Number returns the numeric part of the version, 0 when unparsable.
func (v Version) Number() int {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(string(v)), "v"))
	if err != nil {
		return 0
	}
	return n
}

// IsHigherThan reports whether v is a strictly newer schema than other.
func (v Version) IsHigherThan(other Version) bool {
	return v.Number() > other.Number()
}

// ContentMapping binds a logical file name to the hash of its content.
type ContentMapping struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// Entity is the manifest describing a piece of content deployed over a set of
// pointers. Its ID is the hash of the manifest file, chosen by the submitter.
type Entity struct {
	ID        string           `json:"id"`
	Version   Version          `json:"version,omitempty"`
	Type      Type             `json:"type"`
	Pointers  []string         `json:"pointers"`
	Timestamp int64            `json:"timestamp"`
	Content   []ContentMapping `json:"content,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
}

// ContentHashes returns the distinct hashes referenced by the entity, in
// declaration order.
func (e *Entity) ContentHashes() []string {
	seen := make(map[string]struct{}, len(e.Content))
	hashes := make([]string, 0, len(e.Content))
	for _, c := range e.Content {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		hashes = append(hashes, c.Hash)
	}
	return hashes
}

// LowerPointers returns the pointers lowercased, which is how they are
// indexed. Pointers are a set: repeated ones are kept once, in order.
func (e *Entity) LowerPointers() []string {
	return UniqueLower(e.Pointers)
}

// UniqueLower lowercases pointers and drops the repeated ones, keeping the
// first occurrence.
func UniqueLower(pointers []string) []string {
	seen := make(map[string]struct{}, len(pointers))
	out := make([]string, 0, len(pointers))
	for _, p := range pointers {
		p = strings.ToLower(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ParseManifest decodes the manifest file and stamps it with the given id.
func ParseManifest(id string, raw []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("invalid entity manifest: %w", err)
	}
	e.ID = id
	if _, err := ParseType(string(e.Type)); err != nil {
		return nil, err
	}
	e.Type = Type(strings.ToLower(string(e.Type)))
	if len(e.Pointers) == 0 {
		return nil, fmt.Errorf("the entity needs to be deployed over at least one pointer")
	}
	e.Pointers = dedupPointers(e.Pointers)
	if e.Timestamp <= 0 {
		return nil, fmt.Errorf("the entity needs a positive timestamp")
	}
	return &e, nil
}

// dedupPointers keeps the first spelling of every pointer, comparing them
// case-insensitively.
func dedupPointers(pointers []string) []string {
	seen := make(map[string]struct{}, len(pointers))
	out := pointers[:0:0]
	for _, p := range pointers {
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ContentFile is an uploaded file, either the manifest or referenced content.
type ContentFile struct {
	Name    string
	Content []byte
}
