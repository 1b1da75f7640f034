// Package upgrade migrates stored state documents to newer schema versions.
//
// A state document is a JSON object. Its "schemaVersion" field names the
// version; documents without one are version 1. Migrations only ever add or
// relabel fields, and fields they don't know about are carried over as is.
package upgrade

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"strconv"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/encoding"
)

// LatestVersion is the schema version written by this release.
const LatestVersion = 3

const versionField = "schemaVersion"

// ErrStaleSchema is wrapped by the UpgradeFailed error a RejectStale read
// returns for a revision stored under an older schema.
var ErrStaleSchema = errors.New("revision uses an outdated schema")

type migration func(doc map[string]any) error

// migrations[v] upgrades a version v document to v+1.
var migrations = map[int]migration{
	1: addLayers,
	2: relabelAnnotations,
}

func failed(format string, args ...any) error {
	return annostore.Error{
		Code: annostore.UpgradeFailed,
		Err:  fmt.Errorf(format, args...),
	}
}

func decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := encoding.DefaultMarshaler.Unmarshal(data, &doc); err != nil {
		return nil, failed("decoding state document: %w", err)
	}
	if doc == nil {
		return nil, failed("state document is not a JSON object")
	}
	return doc, nil
}

func versionOf(doc map[string]any) (int, error) {
	v, ok := doc[versionField]
	if !ok || v == nil {
		return 1, nil
	}
	var n int64
	var err error
	switch t := v.(type) {
	case json.Number:
		n, err = t.Int64()
	case float64:
		n = int64(t)
	case string:
		n, err = strconv.ParseInt(t, 10, 64)
	default:
		err = fmt.Errorf("unexpected type %T", v)
	}
	if err != nil || n < 1 {
		return 0, failed("invalid %s %v", versionField, v)
	}
	return int(n), nil
}

// VersionOf returns the schema version of a state document.
func VersionOf(data []byte) (int, error) {
	doc, err := decode(data)
	if err != nil {
		return 0, err
	}
	return versionOf(doc)
}

func resolveTarget(target int) (int, error) {
	if target == 0 {
		return LatestVersion, nil
	}
	if target < 1 || target > LatestVersion {
		return 0, failed("target schema version %d is not between 1 and %d", target, LatestVersion)
	}
	return target, nil
}

// Check fails with UpgradeFailed wrapping ErrStaleSchema if data is older than
// target, and with UpgradeFailed if it is newer. A zero target means LatestVersion.
func Check(data []byte, target int) (int, error) {
	target, err := resolveTarget(target)
	if err != nil {
		return 0, err
	}
	v, err := VersionOf(data)
	if err != nil {
		return 0, err
	}
	switch {
	case v < target:
		return v, annostore.Error{
			Code: annostore.UpgradeFailed,
			Err:  fmt.Errorf("schema version %d, want %d: %w", v, target, ErrStaleSchema),
		}
	case v > target:
		return v, failed("schema version %d is newer than %d", v, target)
	}
	return v, nil
}

// Upgrade migrates data to target, zero meaning LatestVersion. It returns the
// input unchanged when the versions already match, and reports whether a
// migration ran. Downgrades fail with UpgradeFailed.
func Upgrade(data []byte, target int) ([]byte, bool, error) {
	target, err := resolveTarget(target)
	if err != nil {
		return nil, false, err
	}
	doc, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	from, err := versionOf(doc)
	if err != nil {
		return nil, false, err
	}
	if from == target {
		return data, false, nil
	}
	if from > target {
		return nil, false, failed("can't downgrade schema version %d to %d", from, target)
	}
	for v := from; v < target; v++ {
		m, ok := migrations[v]
		if !ok {
			return nil, false, failed("no migration from schema version %d", v)
		}
		if err := m(doc); err != nil {
			return nil, false, failed("migrating schema version %d to %d: %w", v, v+1, err)
		}
		doc[versionField] = v + 1
	}
	ba, err := encoding.DefaultMarshaler.Marshal(doc)
	if err != nil {
		return nil, false, failed("encoding upgraded document: %w", err)
	}
	log.Debug("upgraded state document", "from", from, "to", target)
	return ba, true, nil
}

func annotations(doc map[string]any) ([]map[string]any, error) {
	raw, ok := doc["annotations"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("annotations is a %T, not a list", raw)
	}
	r := make([]map[string]any, 0, len(list))
	for i, a := range list {
		m, ok := a.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("annotation %d is a %T, not an object", i, a)
		}
		r = append(r, m)
	}
	return r, nil
}

// addLayers declares one layer per distinct annotation type, in order of
// first use. Layers already declared are kept.
func addLayers(doc map[string]any) error {
	anns, err := annotations(doc)
	if err != nil {
		return err
	}
	var layers []any
	seen := make(map[string]bool)
	if raw, ok := doc["layers"].([]any); ok {
		for _, l := range raw {
			layers = append(layers, l)
			if m, ok := l.(map[string]any); ok {
				if name, ok := m["name"].(string); ok {
					seen[name] = true
				}
			}
		}
	} else if doc["layers"] != nil {
		return fmt.Errorf("layers is a %T, not a list", doc["layers"])
	}
	for _, a := range anns {
		t, ok := a["type"].(string)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		layers = append(layers, map[string]any{"name": t})
	}
	if layers == nil {
		layers = []any{}
	}
	doc["layers"] = layers
	return nil
}

// relabelAnnotations moves annotation "type" to "layer", gives every
// annotation an id and adds an empty metadata object.
func relabelAnnotations(doc map[string]any) error {
	anns, err := annotations(doc)
	if err != nil {
		return err
	}
	used := make(map[string]bool)
	for _, a := range anns {
		if id, ok := a["id"]; ok && id != nil {
			used[fmt.Sprint(id)] = true
		}
	}
	next := 1
	for _, a := range anns {
		if t, ok := a["type"]; ok {
			if _, has := a["layer"]; !has {
				a["layer"] = t
				delete(a, "type")
			}
		}
		if id, ok := a["id"]; ok && id != nil {
			continue
		}
		for used["a"+strconv.Itoa(next)] {
			next++
		}
		id := "a" + strconv.Itoa(next)
		used[id] = true
		a["id"] = id
	}
	if _, ok := doc["metadata"]; !ok || doc["metadata"] == nil {
		doc["metadata"] = map[string]any{}
	}
	return nil
}
