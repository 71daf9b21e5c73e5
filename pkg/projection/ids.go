package projection

import (
	"fmt"
	"reflect"
	"strings"

	"go.jetify.com/typeid"
)

// nextInstanceID mints a prefixed, sortable instance id for a newly
// materialised ProjectionItem or GroupHeader. The prefix distinguishes the
// two kinds the way the original event store distinguished ids by tag-key
// prefix; the suffix is a TypeID-formatted UUID.
func nextInstanceID(prefix string) string {
	tid, err := typeid.WithPrefix(prefix)
	if err != nil {
		tid, _ = typeid.WithPrefix("item")
	}
	return tid.String()
}

// HasID is the domain capability a source value can expose so the engine
// can extract a stable identity without an idProperty.
type HasID interface {
	GetID() string
}

// extractID resolves the identity of a source value: its GetID() capability
// first, then the configured idProperty (read via reflection from a struct
// field or map key), or an error if neither is available.
func extractID(contents any, idProperty string) (string, error) {
	if withID, ok := contents.(HasID); ok {
		return withID.GetID(), nil
	}
	if idProperty == "" {
		return "", fmt.Errorf("no GetID() capability and no idProperty configured")
	}
	v := reflect.ValueOf(contents)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", fmt.Errorf("nil pointer has no %q", idProperty)
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(idProperty)
		if !f.IsValid() {
			return "", fmt.Errorf("struct %T has no field %q", contents, idProperty)
		}
		return fmt.Sprintf("%v", f.Interface()), nil
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(idProperty))
		if !mv.IsValid() {
			return "", fmt.Errorf("map %T has no key %q", contents, idProperty)
		}
		return fmt.Sprintf("%v", mv.Interface()), nil
	default:
		return "", fmt.Errorf("cannot extract %q from %T", idProperty, contents)
	}
}

// extractProperty reads a named property off a source value via reflection,
// the same struct-field/map-key rule extractID uses for identity, but
// returning the raw value rather than a stringified one so callers can
// compare it against a typed target.
func extractProperty(contents any, prop string) (any, bool) {
	v := reflect.ValueOf(contents)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(prop)
		if !f.IsValid() {
			return nil, false
		}
		return f.Interface(), true
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(prop))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	default:
		return nil, false
	}
}

// resolveUID computes (and caches) a projection-unique string id for item,
// resolving collisions deterministically by appending "-1", "-2", ... until
// a fresh string is found.
func (c *Collection) resolveUID(item *ProjectionItem) (string, error) {
	if uid, ok := c.itemToUID[item]; ok {
		return uid, nil
	}

	base, err := extractID(item.Contents(), c.opts.idProperty)
	if err != nil {
		if item.IsGroupHeader() {
			base = fmt.Sprintf("group:%s", sanitizeGroupPrefix(fmt.Sprintf("%v", item.Contents())))
		} else {
			return "", newMissingIDPropertyError("resolveUID", item.Contents())
		}
	}

	uid := base
	suffix := 0
	for c.uidSet[uid] {
		suffix++
		uid = fmt.Sprintf("%s-%d", base, suffix)
	}
	c.uidSet[uid] = true
	c.itemToUID[item] = uid
	return uid, nil
}

// forgetUID releases the uid previously resolved for item, if any.
func (c *Collection) forgetUID(item *ProjectionItem) {
	if uid, ok := c.itemToUID[item]; ok {
		delete(c.uidSet, uid)
		delete(c.itemToUID, item)
	}
}

// sanitizeGroupPrefix mirrors the original tag-based prefix sanitisation:
// lowercase, non [a-z0-9_] characters collapsed to underscores.
func sanitizeGroupPrefix(s string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	return strings.Trim(sanitized, "_")
}
