package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// memberNames lists the JSON member names a struct type models.
func memberNames(t reflect.Type) []string {
	var names []string
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// isModelled matches the way the decoder maps members to fields, which
// is case-insensitive.
func isModelled(name string, modelled []string) bool {
	for _, m := range modelled {
		if strings.EqualFold(name, m) {
			return true
		}
	}
	return false
}

// unknownMembers returns the members of the JSON object raw that are not
// in modelled, or nil when there are none.
func unknownMembers(raw []byte, modelled []string) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := jsoniter.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for name, value := range members {
		if isModelled(name, modelled) {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[name] = append(json.RawMessage(nil), value...)
	}
	return extra, nil
}

// marshalWithExtra encodes typed and appends the extra members after the
// modelled ones, sorted by name so the output is deterministic. Extra
// members that collide with a modelled name are skipped.
func marshalWithExtra(typed any, extra map[string]json.RawMessage, modelled []string) ([]byte, error) {
	body, err := jsoniter.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return body, nil
	}

	names := make([]string, 0, len(extra))
	for name := range extra {
		if !isModelled(name, modelled) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.Write(body[:len(body)-1])
	needComma := len(bytes.TrimSpace(body[1:len(body)-1])) > 0
	for _, name := range names {
		value := extra[name]
		if !jsoniter.Valid(value) {
			return nil, fmt.Errorf("member %q is not valid JSON", name)
		}
		key, err := jsoniter.Marshal(name)
		if err != nil {
			return nil, err
		}
		if needComma {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
		needComma = true
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func cloneMembers(members map[string]json.RawMessage) map[string]json.RawMessage {
	if members == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(members))
	for name, value := range members {
		out[name] = append(json.RawMessage(nil), value...)
	}
	return out
}
