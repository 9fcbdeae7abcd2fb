package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/metrics"
)

// TestResult is the outcome of one test.
type TestResult struct {
	TestID  string `json:"test_id"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// ScriptResult is what the sandbox reports for a script suite.
type ScriptResult struct {
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	TimedOut        bool    `json:"timed_out"`
}

// ScriptRunner executes a version 2.0 verification script against the
// deliverable. The container sandbox implements it; tests substitute a
// fake.
type ScriptRunner interface {
	RunScript(ctx context.Context, spec ScriptSpec, deliverable []byte) (*ScriptResult, error)
}

// Outcome is the full suite report attached to the job.
type Outcome struct {
	Passed          bool          `json:"passed"`
	Results         []TestResult  `json:"results"`
	Summary         string        `json:"summary"`
	DurationSeconds float64       `json:"duration_seconds"`
	Sandbox         *ScriptResult `json:"sandbox,omitempty"`
}

// Engine runs criteria suites.
type Engine struct {
	cfg        config.VerifyConfig
	scripts    ScriptRunner
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
}

// NewEngine builds a verification engine. scripts may be nil when the
// sandbox is not deployed; script suites then fail cleanly.
func NewEngine(cfg config.VerifyConfig, scripts ScriptRunner, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:        cfg,
		scripts:    scripts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    m,
		logger:     log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Run evaluates the criteria against the delivered result. latency, when
// known, is the wall time between job start and delivery and feeds
// latency_lte tests.
func (e *Engine) Run(ctx context.Context, criteriaRaw, resultRaw []byte, latency *float64) (*Outcome, error) {
	suite, err := ParseCriteria(criteriaRaw)
	if err != nil {
		return nil, err
	}

	start := e.now()
	var outcome *Outcome
	if suite.Script != nil {
		outcome, err = e.runScript(ctx, suite, resultRaw)
	} else {
		outcome, err = e.runDeclarative(ctx, suite, resultRaw, latency)
	}
	if err != nil {
		e.metrics.VerificationRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	if outcome.DurationSeconds == 0 {
		outcome.DurationSeconds = e.now().Sub(start).Seconds()
	}

	label := "failed"
	if outcome.Passed {
		label = "passed"
	}
	e.metrics.VerificationRuns.WithLabelValues(label).Inc()
	e.logger.Printf("suite %s: %s", label, outcome.Summary)
	return outcome, nil
}

func (e *Engine) runScript(ctx context.Context, suite *Suite, resultRaw []byte) (*Outcome, error) {
	if e.scripts == nil {
		return nil, core.E(core.KindUnavailable, "script verification is not available")
	}
	res, err := e.scripts.RunScript(ctx, *suite.Script, resultRaw)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, err, "sandbox run failed")
	}
	passed := res.ExitCode == 0 && !res.TimedOut
	message := truncate(res.Stdout, 500)
	if !passed {
		message = truncate(res.Stderr, 500)
		if res.TimedOut {
			message = "script timed out"
		}
	}
	return &Outcome{
		Passed:          passed,
		Results:         []TestResult{{TestID: "script", Passed: passed, Message: message}},
		Summary:         summary(boolToInt(passed), 1),
		DurationSeconds: res.DurationSeconds,
		Sandbox:         res,
	}, nil
}

func (e *Engine) runDeclarative(ctx context.Context, suite *Suite, resultRaw []byte, latency *float64) (*Outcome, error) {
	var output any
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &output); err != nil {
			return nil, core.Wrap(core.KindValidation, err, "result is not valid JSON")
		}
	}

	suiteDeadline := e.now().Add(time.Duration(e.cfg.SuiteTimeoutSeconds) * time.Second)
	testBudget := time.Duration(e.cfg.TestTimeoutSeconds) * time.Second
	results := make([]TestResult, 0, len(suite.Tests))
	passed := 0
	for _, test := range suite.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := suiteDeadline.Sub(e.now())
		if remaining <= 0 {
			results = append(results, TestResult{TestID: test.TestID, Message: "suite timeout exceeded"})
			continue
		}
		budget := testBudget
		if remaining < budget {
			budget = remaining
		}
		r := e.runBounded(ctx, budget, test, output, resultRaw, latency)
		if r.Passed {
			passed++
		}
		results = append(results, r)
	}
	return &Outcome{
		Passed:  suite.Threshold.Met(passed, len(results)),
		Results: results,
		Summary: summary(passed, len(results)),
	}, nil
}

// runBounded enforces the per-test wall clock. The evaluators cannot be
// preempted mid-test, so an overrunning test keeps its goroutine until
// it finishes on its own; the eventual result is discarded.
func (e *Engine) runBounded(ctx context.Context, budget time.Duration, test TestSpec, output any, resultRaw []byte, latency *float64) TestResult {
	done := make(chan TestResult, 1)
	go func() {
		done <- e.runTest(test, output, resultRaw, latency)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return TestResult{TestID: test.TestID, Message: "verification cancelled"}
	case <-timer.C:
		return TestResult{TestID: test.TestID, Message: "test timed out"}
	}
}

func (e *Engine) runTest(test TestSpec, output any, resultRaw []byte, latency *float64) TestResult {
	r := TestResult{TestID: test.TestID}
	switch test.Type {
	case "json_schema":
		r.Passed, r.Message = runSchemaTest(test.Params, output)
	case "count_gte":
		r.Passed, r.Message = runCountTest(test.Params, output, true)
	case "count_lte":
		r.Passed, r.Message = runCountTest(test.Params, output, false)
	case "assertion":
		r.Passed, r.Message = runAssertionTest(test.Params, output)
	case "contains":
		r.Passed, r.Message = runContainsTest(test.Params, output, resultRaw)
	case "latency_lte":
		r.Passed, r.Message = runLatencyTest(test.Params, output, latency)
	case "http_status":
		if e.cfg.DisableHTTPStatus {
			r.Message = "http_status tests are disabled"
			return r
		}
		r.Passed, r.Message = e.runHTTPStatusTest(test.Params, output)
	case "checksum":
		r.Passed, r.Message = runChecksumTest(test.Params, resultRaw)
	default:
		r.Message = fmt.Sprintf("unknown test type: %s", test.Type)
	}
	return r
}

func compileSchema(schema any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("criteria.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("criteria.json")
}

func runSchemaTest(params map[string]any, output any) (bool, string) {
	schema, err := compileSchema(params["schema"])
	if err != nil {
		return false, fmt.Sprintf("schema validation error: %v", err)
	}
	if err := schema.Validate(output); err != nil {
		return false, truncate(err.Error(), 200)
	}
	return true, ""
}

func runCountTest(params map[string]any, output any, gte bool) (bool, string) {
	path, _ := params["path"].(string)
	data, err := resolvePath(output, path)
	if err != nil {
		return false, err.Error()
	}
	arr, ok := data.([]any)
	if !ok {
		return false, "target is not an array"
	}
	count := len(arr)
	if gte {
		bound, _ := paramNumber(params, "min_count")
		if float64(count) >= bound {
			return true, fmt.Sprintf("count %d >= %v", count, bound)
		}
		return false, fmt.Sprintf("count %d < %v", count, bound)
	}
	bound, _ := paramNumber(params, "max_count")
	if float64(count) <= bound {
		return true, fmt.Sprintf("count %d <= %v", count, bound)
	}
	return false, fmt.Sprintf("count %d > %v", count, bound)
}

func runAssertionTest(params map[string]any, output any) (bool, string) {
	raw, _ := params["expression"].(string)
	ok, err := evalAssertion(raw, output)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("assertion failed: %s", raw)
	}
	return true, ""
}

func runContainsTest(params map[string]any, output any, resultRaw []byte) (bool, string) {
	pattern, _ := params["pattern"].(string)
	isRegex, _ := params["is_regex"].(bool)

	haystack, ok := output.(string)
	if !ok {
		canon, err := crypto.CanonicalJSON(resultRaw)
		if err != nil {
			return false, err.Error()
		}
		haystack = string(canon)
	}
	if isRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern: %v", err)
		}
		if re.MatchString(haystack) {
			return true, ""
		}
		return false, fmt.Sprintf("pattern %q not found", pattern)
	}
	if bytes.Contains([]byte(haystack), []byte(pattern)) {
		return true, ""
	}
	return false, fmt.Sprintf("substring %q not found", pattern)
}

func runLatencyTest(params map[string]any, output any, latency *float64) (bool, string) {
	actual, ok := paramNumber(params, "actual_seconds")
	if !ok {
		if latency == nil {
			return false, "cannot determine delivery latency"
		}
		actual = *latency
	}
	maxSeconds, _ := paramNumber(params, "max_seconds")
	if actual <= maxSeconds {
		return true, fmt.Sprintf("latency %.2fs <= %vs", actual, maxSeconds)
	}
	return false, fmt.Sprintf("latency %.2fs > %vs", actual, maxSeconds)
}

// runHTTPStatusTest fetches a URL-shaped deliverable and compares the
// status code. Deliverables that carry an observed status under
// http_status or status_code are checked without dialing out.
func (e *Engine) runHTTPStatusTest(params map[string]any, output any) (bool, string) {
	expected, _ := paramNumber(params, "expected_status")

	if url := deliverableURL(output); url != "" {
		resp, err := e.httpClient.Get(url)
		if err != nil {
			return false, fmt.Sprintf("request failed: %v", err)
		}
		resp.Body.Close()
		if float64(resp.StatusCode) == expected {
			return true, fmt.Sprintf("http status %d == %v", resp.StatusCode, expected)
		}
		return false, fmt.Sprintf("http status %d != %v", resp.StatusCode, expected)
	}

	obj, ok := output.(map[string]any)
	if !ok {
		return false, "deliverable carries no url or status"
	}
	actual, ok := paramNumber(obj, "http_status")
	if !ok {
		actual, ok = paramNumber(obj, "status_code")
	}
	if !ok {
		return false, "deliverable carries no url or status"
	}
	if actual == expected {
		return true, fmt.Sprintf("http status %v == %v", actual, expected)
	}
	return false, fmt.Sprintf("http status %v != %v", actual, expected)
}

func deliverableURL(output any) string {
	candidate := ""
	switch t := output.(type) {
	case string:
		candidate = t
	case map[string]any:
		candidate, _ = t["url"].(string)
	}
	if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
		return candidate
	}
	return ""
}

func runChecksumTest(params map[string]any, resultRaw []byte) (bool, string) {
	canon, err := crypto.CanonicalJSON(resultRaw)
	if err != nil {
		return false, err.Error()
	}
	sum := sha256.Sum256(canon)
	actual := hex.EncodeToString(sum[:])
	expected, _ := params["expected_hash"].(string)
	if actual == expected {
		return true, ""
	}
	return false, fmt.Sprintf("hash mismatch: %.16s... != %.16s...", actual, expected)
}

func summary(passed, total int) string {
	return fmt.Sprintf("%d/%d passed", passed, total)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
