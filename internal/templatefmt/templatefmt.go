package templatefmt

import (
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtValue": FormatValue,
		"fmtTime":  FormatTime,
		"json":     MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatValue renders a KPI value with its unit using one decimal precision.
// Params: numeric value and unit string.
// Returns: formatted measurement like "58.3%" or "25.0 days".
func FormatValue(value float64, unit string) string {
	switch unit {
	case "%":
		return fmt.Sprintf("%.1f%%", value)
	case "":
		return fmt.Sprintf("%.1f", value)
	default:
		return fmt.Sprintf("%.1f %s", value, unit)
	}
}

// FormatTime renders a timestamp in compact UTC form.
// Params: template value expected as time.Time or *time.Time.
// Returns: formatted timestamp or empty string.
func FormatTime(value any) string {
	var ts time.Time
	switch typed := value.(type) {
	case time.Time:
		ts = typed
	case *time.Time:
		if typed == nil {
			return ""
		}
		ts = *typed
	default:
		return ""
	}
	return ts.UTC().Format("2006-01-02 15:04:05 MST")
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
