package cmdsrv

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// FormatReply renders a handler result as a reply line.  Every reply
// begins with OK, ERROR or WARNING; values not already carrying one of
// those prefixes are prefixed with OK.
//
// nil and empty strings reply a bare OK; string slices are space-joined
// with items containing spaces quoted; maps marshal to JSON; anything
// else formats with %v.
func FormatReply(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		s = ""
	case string:
		s = val
	case []string:
		s = QuoteJoin(val)
	case []interface{}:
		items := make([]string, len(val))
		for i, x := range val {
			items[i] = fmt.Sprintf("%v", x)
		}
		s = QuoteJoin(items)
	case error:
		return "ERROR " + val.Error()
	default:
		if reflect.ValueOf(v).Kind() == reflect.Map {
			if b, err := json.Marshal(v); err == nil {
				s = string(b)
				break
			}
		}
		s = fmt.Sprintf("%v", val)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "OK"
	}
	if strings.HasPrefix(s, "OK") || strings.HasPrefix(s, "ERROR") || strings.HasPrefix(s, "WARNING") {
		return s
	}
	return "OK " + s
}
