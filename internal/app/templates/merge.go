package templates

// deepMerge merges child over parent. Objects merge recursively, scalars and
// arrays are replaced wholesale by the child.
func deepMerge(parent, child map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(parent)+len(child))
	for k, v := range parent {
		out[k] = cloneValue(v)
	}
	for k, childVal := range child {
		parentVal, exists := out[k]
		childMap, childIsMap := childVal.(map[string]interface{})
		parentMap, parentIsMap := parentVal.(map[string]interface{})
		if exists && childIsMap && parentIsMap {
			out[k] = deepMerge(parentMap, childMap)
			continue
		}
		out[k] = cloneValue(childVal)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
