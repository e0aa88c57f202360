package audit

import "strings"

// Redacted replaces the value of every sensitive key.
const Redacted = "***REDACTED***"

var sensitiveKeys = map[string]bool{
	"password":        true,
	"passwordconfirm": true,
	"passwordcurrent": true,
	"creditcard":      true,
	"cardnumber":      true,
	"token":           true,
	"accesstoken":     true,
	"refreshtoken":    true,
}

// Mask returns a copy of details with sensitive values redacted at any depth.
// The input is not modified.
func Mask(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Mask(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = maskValue(t[i])
		}
		return cp
	}
	return v
}
