package dedupe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/verdantis/alerts-service/internal/envelope"
)

// missingValue is the literal a dotted path resolves to when any step of
// the lookup fails. It participates in key joining and flap transition
// counting like any other value.
const missingValue = "None"

// pathFn resolves one dotted path against a matched record.
type pathFn func(rec envelope.Matched) string

// compilePath turns a dotted path into an accessor. Supported roots are
// "subscription_id" and "event.<field>[...]"; anything else always resolves
// to the missing literal.
func compilePath(path string) pathFn {
	if path == "subscription_id" {
		return func(rec envelope.Matched) string {
			if rec.SubscriptionID == "" {
				return missingValue
			}
			return rec.SubscriptionID
		}
	}
	if !strings.HasPrefix(path, "event.") {
		return func(envelope.Matched) string { return missingValue }
	}
	parts := strings.Split(path, ".")[1:]
	head, rest := parts[0], parts[1:]
	return func(rec envelope.Matched) string {
		return stringify(descend(eventRoot(rec.Event, head), rest))
	}
}

// compileKey joins several compiled paths with "|". Zero fields yield the
// empty key, collapsing all records onto one entry.
func compileKey(fields []string) pathFn {
	fns := make([]pathFn, len(fields))
	for i, f := range fields {
		fns[i] = compilePath(f)
	}
	return func(rec envelope.Matched) string {
		vals := make([]string, len(fns))
		for i, fn := range fns {
			vals[i] = fn(rec)
		}
		return strings.Join(vals, "|")
	}
}

func eventRoot(ev envelope.Event, field string) any {
	switch field {
	case "id":
		return nonEmpty(ev.ID)
	case "ts":
		return nonEmpty(ev.TS)
	case "topic":
		return nonEmpty(ev.Topic)
	case "severity":
		return nonEmpty(ev.Severity)
	case "asset_id":
		return nonEmpty(ev.AssetID)
	case "aoi_id":
		return nonEmpty(ev.AOIID)
	case "rule_type":
		return nonEmpty(ev.RuleType)
	case "acknowledged":
		return ev.Acknowledged
	case "delta":
		if ev.Delta == nil {
			return nil
		}
		return ev.Delta
	case "payload":
		if ev.Payload == nil {
			return nil
		}
		return ev.Payload
	default:
		return nil
	}
}

func descend(cur any, parts []string) any {
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return missingValue
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
