// Package verify parses and runs acceptance-criteria suites against job
// deliverables. Declarative suites (version 1.0) carry up to twenty
// typed tests evaluated in-process; script suites (version 2.0) hand a
// verification script to the container sandbox.
package verify

import (
	"encoding/json"

	"github.com/agoranet/marketplace/internal/core"
)

const (
	VersionDeclarative = "1.0"
	VersionScript      = "2.0"

	maxTests         = 20
	maxExpressionLen = 500
)

// Threshold decides when a suite passes. Mode is "all", "majority" or
// "min_pass"; MinPass is only meaningful for the last.
type Threshold struct {
	Mode    string
	MinPass int
}

func (t *Threshold) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "all", "majority":
			*t = Threshold{Mode: s}
			return nil
		}
		return core.E(core.KindValidation, "pass_threshold must be all, majority or {min_pass: n}")
	}
	var obj struct {
		MinPass *int `json:"min_pass"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.MinPass == nil {
		return core.E(core.KindValidation, "pass_threshold must be all, majority or {min_pass: n}")
	}
	if *obj.MinPass < 1 {
		return core.E(core.KindValidation, "min_pass must be at least 1")
	}
	*t = Threshold{Mode: "min_pass", MinPass: *obj.MinPass}
	return nil
}

// Met reports whether the threshold holds for passed out of total tests.
func (t Threshold) Met(passed, total int) bool {
	switch t.Mode {
	case "majority":
		return passed*2 > total
	case "min_pass":
		return passed >= t.MinPass
	default:
		return passed == total
	}
}

// TestSpec is one declarative test.
type TestSpec struct {
	TestID string         `json:"test_id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// ScriptSpec is a version 2.0 script-based suite.
type ScriptSpec struct {
	Script         string `json:"script"` // base64-encoded
	Runtime        string `json:"runtime"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryLimitMB  int64  `json:"memory_limit_mb"`
}

// Suite is a parsed criteria document. Exactly one of Tests or Script is
// populated.
type Suite struct {
	Version   string
	Tests     []TestSpec
	Threshold Threshold
	Script    *ScriptSpec
}

var knownTestTypes = map[string]bool{
	"json_schema": true,
	"count_gte":   true,
	"count_lte":   true,
	"assertion":   true,
	"contains":    true,
	"latency_lte": true,
	"http_status": true,
	"checksum":    true,
}

// ParseCriteria decodes and statically validates a criteria document.
// Validation runs at job creation so a malformed suite is rejected
// before any money moves.
func ParseCriteria(raw []byte) (*Suite, error) {
	var doc struct {
		Version        string     `json:"version"`
		Tests          []TestSpec `json:"tests"`
		PassThreshold  *Threshold `json:"pass_threshold"`
		Script         string     `json:"script"`
		Runtime        string     `json:"runtime"`
		TimeoutSeconds int        `json:"timeout_seconds"`
		MemoryLimitMB  int64      `json:"memory_limit_mb"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.Wrap(core.KindValidation, err, "criteria is not valid JSON")
	}

	s := &Suite{Version: doc.Version, Threshold: Threshold{Mode: "all"}}
	if doc.PassThreshold != nil {
		s.Threshold = *doc.PassThreshold
	}

	if doc.Script != "" {
		if doc.Version != VersionScript {
			return nil, core.E(core.KindValidation, "script criteria require version %s", VersionScript)
		}
		if len(doc.Tests) > 0 {
			return nil, core.E(core.KindValidation, "criteria cannot mix script and tests")
		}
		s.Script = &ScriptSpec{
			Script:         doc.Script,
			Runtime:        doc.Runtime,
			TimeoutSeconds: doc.TimeoutSeconds,
			MemoryLimitMB:  doc.MemoryLimitMB,
		}
		return s, nil
	}

	if doc.Version != VersionDeclarative {
		return nil, core.E(core.KindValidation, "unsupported criteria version %q", doc.Version)
	}
	if len(doc.Tests) == 0 {
		return nil, core.E(core.KindValidation, "criteria must define at least one test")
	}
	if len(doc.Tests) > maxTests {
		return nil, core.E(core.KindValidation, "at most %d tests per suite", maxTests)
	}
	seen := make(map[string]bool, len(doc.Tests))
	for i, test := range doc.Tests {
		if test.TestID == "" {
			return nil, core.E(core.KindValidation, "test %d has no test_id", i)
		}
		if seen[test.TestID] {
			return nil, core.E(core.KindValidation, "duplicate test_id %q", test.TestID)
		}
		seen[test.TestID] = true
		if !knownTestTypes[test.Type] {
			return nil, core.E(core.KindValidation, "test %q: unknown type %q", test.TestID, test.Type)
		}
		if err := validateTestParams(test); err != nil {
			return nil, err
		}
	}
	if s.Threshold.Mode == "min_pass" && s.Threshold.MinPass > len(doc.Tests) {
		return nil, core.E(core.KindValidation, "min_pass %d exceeds test count %d", s.Threshold.MinPass, len(doc.Tests))
	}
	s.Tests = doc.Tests
	return s, nil
}

func validateTestParams(test TestSpec) error {
	fail := func(format string, args ...any) error {
		args = append([]any{test.TestID}, args...)
		return core.E(core.KindValidation, "test %q: "+format, args...)
	}
	switch test.Type {
	case "json_schema":
		if _, ok := test.Params["schema"]; !ok {
			return fail("json_schema requires a schema")
		}
		if _, err := compileSchema(test.Params["schema"]); err != nil {
			return fail("invalid schema: %v", err)
		}
	case "count_gte":
		if _, ok := paramNumber(test.Params, "min_count"); !ok {
			return fail("count_gte requires min_count")
		}
	case "count_lte":
		if _, ok := paramNumber(test.Params, "max_count"); !ok {
			return fail("count_lte requires max_count")
		}
	case "assertion":
		raw, _ := test.Params["expression"].(string)
		if raw == "" {
			return fail("assertion requires an expression")
		}
		if err := checkExpression(raw); err != nil {
			return fail("%v", err)
		}
	case "contains":
		if pattern, _ := test.Params["pattern"].(string); pattern == "" {
			return fail("contains requires a pattern")
		}
	case "latency_lte":
		if _, ok := paramNumber(test.Params, "max_seconds"); !ok {
			return fail("latency_lte requires max_seconds")
		}
	case "http_status":
		if _, ok := paramNumber(test.Params, "expected_status"); !ok {
			return fail("http_status requires expected_status")
		}
	case "checksum":
		if hash, _ := test.Params["expected_hash"].(string); len(hash) != 64 {
			return fail("checksum requires a 64-character expected_hash")
		}
	}
	return nil
}

// paramNumber reads a numeric param, tolerating the float64 that
// encoding/json produces for every JSON number.
func paramNumber(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
