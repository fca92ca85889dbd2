package processor

// Generic guarded lookups over a decoded JSON tree. Source payloads are
// loosely specified, so no field is ever assumed to exist.

// dig walks nested objects along path and returns the value at the end.
func dig(node map[string]interface{}, path ...string) (interface{}, bool) {
	var current interface{} = node
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// digList returns a non-empty array at path, or false.
func digList(node map[string]interface{}, path ...string) ([]interface{}, bool) {
	v, ok := dig(node, path...)
	if !ok {
		return nil, false
	}
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	return list, true
}

// subMap returns the nested object under key, or false.
func subMap(node map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := node[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// firstAlias is firstNonNull over a single object.
func firstAlias(obj map[string]interface{}, aliases []string) interface{} {
	return firstNonNull([]map[string]interface{}{obj}, aliases)
}

// firstNonNull scans blobs in order and, within each blob, aliases in
// priority order, returning the first non-null value.
func firstNonNull(blobs []map[string]interface{}, aliases []string) interface{} {
	for _, blob := range blobs {
		for _, alias := range aliases {
			if v, ok := blob[alias]; ok && v != nil {
				return v
			}
		}
	}
	return nil
}
