package testreduce

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind classifies the failure carried by an outcome. The kinds are
// explicit on the structured encoding; the legacy encodings infer them from
// the result text.
type ErrorKind int

const (
	// ErrorKindNone: the test produced counts, not a crash.
	ErrorKindNone ErrorKind = iota
	// ErrorKindTestFailure: the test itself crashed or timed out.
	ErrorKindTestFailure
	// ErrorKindResourceNotFound: the page could not be fetched upstream.
	// Routed to the fetch-failure path instead of being scored.
	ErrorKindResourceNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindTestFailure:
		return "test_failure"
	case ErrorKindResourceNotFound:
		return "resource_not_found"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// Outcome is the normalized result of one test attempt. Both accepted wire
// encodings reduce to this before scoring.
type Outcome struct {
	Errors       int
	Fails        int
	Skips        int
	SelserErrors int
	Kind         ErrorKind
	// Raw is the result body exactly as received; it is stored verbatim so
	// old clients and the dashboard keep seeing the bytes they posted.
	Raw string
}

// FetchFailure reports whether this outcome must increment the page's fetch
// error count rather than produce a result row.
func (o Outcome) FetchFailure() bool {
	return o.Errors > 0 && o.Kind == ErrorKindResourceNotFound
}

// Score encodes (errors, fails, skips) lexicographically.
func (o Outcome) Score() int64 {
	return Score(o.Errors, o.Fails, o.Skips)
}

// Score treats errors, fails, and skips as digits in a base-1000 number so
// a single integer sorts results by severity: any error outranks any number
// of semantic diffs, which outrank syntactic diffs. Each digit is capped at
// 999 so a runaway count cannot carry into the next digit and invert the
// ordering.
func Score(errors, fails, skips int) int64 {
	return clampCount(errors)*1000000 + clampCount(fails)*1000 + clampCount(skips)
}

func clampCount(n int) int64 {
	if n < 0 {
		return 0
	}
	if n > 999 {
		return 999
	}
	return int64(n)
}

// resourceNotFoundRe is the legacy detection of an upstream 404: old
// clients embed the fetch error as free text in the result body.
var resourceNotFoundRe = regexp.MustCompile(`Error: Got status code: 404`)

var (
	legacyErrorRe   = regexp.MustCompile(`<error`)
	legacySkippedRe = regexp.MustCompile(`<skipped`)
	legacyFailureRe = regexp.MustCompile(`<failure`)
)

// structuredResult is the JSON result payload. The err field marks a crash;
// its kind, when present, overrides the legacy message sniffing. Counts may
// arrive as numbers or strings (old clients posted them form-encoded).
type structuredResult struct {
	Err *struct {
		Name  string `json:"name"`
		Kind  string `json:"kind"`
		Msg   string `json:"msg"`
		Stack string `json:"stack"`
	} `json:"err"`
	Fails        flexInt `json:"fails"`
	Skips        flexInt `json:"skips"`
	SelserErrors flexInt `json:"selser_errors"`
}

type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid count %q", s)
	}
	*f = flexInt(n)
	return nil
}

// ParseStructuredResult normalizes an application/json result body.
func ParseStructuredResult(raw []byte) (Outcome, error) {
	var res structuredResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Outcome{}, fmt.Errorf("decode result: %w", err)
	}
	out := Outcome{
		Fails:        int(res.Fails),
		Skips:        int(res.Skips),
		SelserErrors: int(res.SelserErrors),
		Raw:          string(raw),
	}
	if res.Err != nil {
		out.Errors = 1
		out.Kind = ErrorKindTestFailure
		switch res.Err.Kind {
		case "resource_not_found":
			out.Kind = ErrorKindResourceNotFound
		case "":
			// Compatibility shim: clients predating the kind field only
			// report a message string.
			if resourceNotFoundRe.MatchString(res.Err.Msg) {
				out.Kind = ErrorKindResourceNotFound
			}
		}
	}
	return out, nil
}

// ParseLegacyResult normalizes the old JUnit-style text blob by counting
// its markup tags.
func ParseLegacyResult(raw string) Outcome {
	out := Outcome{
		Errors: len(legacyErrorRe.FindAllString(raw, -1)),
		Fails:  len(legacyFailureRe.FindAllString(raw, -1)),
		Skips:  len(legacySkippedRe.FindAllString(raw, -1)),
		Raw:    raw,
	}
	if out.Errors > 0 {
		out.Kind = ErrorKindTestFailure
		if resourceNotFoundRe.MatchString(raw) {
			out.Kind = ErrorKindResourceNotFound
		}
	}
	return out
}
