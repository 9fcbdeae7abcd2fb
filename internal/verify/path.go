package verify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pathPart = regexp.MustCompile(`\.(\w+)|\[(\d+)\]`)

// resolvePath walks a minimal JSONPath: "$" is the root, ".field" steps
// into objects, "[n]" indexes arrays.
func resolvePath(data any, path string) (any, error) {
	if path == "" || path == "$" {
		return data, nil
	}
	current := data
	for _, m := range pathPart.FindAllStringSubmatch(strings.TrimPrefix(path, "$"), -1) {
		if m[1] != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot access field %q on non-object", m[1])
			}
			current, ok = obj[m[1]]
			if !ok {
				return nil, fmt.Errorf("field %q not found", m[1])
			}
		} else {
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index non-array with [%s]", m[2])
			}
			i, _ := strconv.Atoi(m[2])
			if i >= len(arr) {
				return nil, fmt.Errorf("index %d out of range", i)
			}
			current = arr[i]
		}
	}
	return current, nil
}
