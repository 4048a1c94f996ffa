package dyn

// Patch applies patch onto dst with append/replace semantics: for each key
// of patch, when dst holds an object under the same key (case-insensitively)
// and the patch value is an object, recurse; when both values are arrays,
// the patch elements are appended (deep-cloned) to the dst array; otherwise
// the dst value is replaced by a deep clone of the patch value. Keys absent
// from dst are added.
func Patch(dst, patch *Map) {
	if dst == nil || patch == nil {
		return
	}
	for _, key := range patch.keys {
		pv := patch.vals[key]
		dv, exists := dst.Get(key)
		if !exists {
			dst.Set(key, Clone(pv))
			continue
		}
		dstObj, dstIsObj := dv.(*Map)
		patchObj, patchIsObj := pv.(*Map)
		if dstIsObj && patchIsObj {
			Patch(dstObj, patchObj)
			continue
		}
		dstArr, dstIsArr := dv.([]interface{})
		patchArr, patchIsArr := pv.([]interface{})
		if dstIsArr && patchIsArr {
			for _, item := range patchArr {
				dstArr = append(dstArr, Clone(item))
			}
			dst.Set(key, dstArr)
			continue
		}
		dst.Set(key, Clone(pv))
	}
}

// MergeVariables layers overlay onto base with the variable-scope
// discipline: objects are merged recursively, arrays are replaced (not
// appended), and a null overlay value keeps the base value. The result is a
// new tree; neither input is mutated.
func MergeVariables(base, overlay *Map) *Map {
	out := NewMap()
	if base != nil {
		for _, k := range base.keys {
			out.Set(k, Clone(base.vals[k]))
		}
	}
	if overlay == nil {
		return out
	}
	for _, key := range overlay.keys {
		ov := overlay.vals[key]
		if ov == nil {
			if !out.Has(key) {
				out.Set(key, nil)
			}
			continue
		}
		bv, exists := out.Get(key)
		if exists {
			baseObj, baseIsObj := bv.(*Map)
			overlayObj, overlayIsObj := ov.(*Map)
			if baseIsObj && overlayIsObj {
				out.Set(key, MergeVariables(baseObj, overlayObj))
				continue
			}
		}
		out.Set(key, Clone(ov))
	}
	return out
}
