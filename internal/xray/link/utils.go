package link

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DecodeBase64 attempts to decode standard and URL-safe base64 strings,
// automatically fixing missing padding.
func DecodeBase64(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	// Fix padding
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}

	// Try Standard
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return string(b), nil
	}

	// Try URL-Safe
	b, err = base64.URLEncoding.DecodeString(s)
	if err == nil {
		return string(b), nil
	}

	return "", err
}

// FixIllegalUrl cleans up common issues in pasted links.
func FixIllegalUrl(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// applyQuery copies the standard transport/security params into r.
// This mimics the `getItemFormQuery` logic in v2rayNG.
func applyQuery(r *rawLink, q url.Values) {
	if v := q.Get("type"); v != "" {
		r.network = v
	}
	if v := q.Get("headerType"); v != "" {
		r.headerType = v
	}
	if v := q.Get("host"); v != "" {
		r.host = v
	}
	if v := q.Get("path"); v != "" {
		r.path = v
	}
	if v := q.Get("mode"); v != "" {
		r.mode = v
	}
	if v := q.Get("serviceName"); v != "" {
		r.serviceName = v
	}
	if v := q.Get("security"); v != "" {
		r.security = v
	}
	if v := q.Get("sni"); v != "" {
		r.sni = v
	}
	if v := q.Get("fp"); v != "" {
		r.fp = v
	}
	if v := q.Get("alpn"); v != "" {
		r.alpn = v
	}
	if v := q.Get("pbk"); v != "" {
		r.pbk = v
	}
	if v := q.Get("sid"); v != "" {
		r.sid = v
	}
	if v := q.Get("spx"); v != "" {
		r.spx = v
	}
	if v := q.Get("flow"); v != "" {
		r.flow = v
	}

	// Insecure mapping (1/0/true/false)
	for _, key := range []string{"allowInsecure", "insecure", "allow_insecure"} {
		if val := q.Get(key); val != "" {
			r.insecure = val == "1" || strings.EqualFold(val, "true")
			break
		}
	}
}

// scalar renders a JSON scalar that may arrive as string or number.
func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
