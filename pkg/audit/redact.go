package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fragments that mark a detail token as credential-bearing. The token
// is replaced by a salted hash so records stay correlatable without
// retaining the secret.
var sensitiveSubstrings = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"cookie",
	"bearer",
}

func redactRecord(rec Record, salt []byte) Record {
	rec.Subject = hashString(rec.Subject, salt)
	rec.InternalDetail = redactDetail(rec.InternalDetail, salt)
	return rec
}

// redactDetail rewrites key=value and "key: value" fragments whose key
// looks sensitive. Values are replaced by salted hashes.
func redactDetail(detail string, salt []byte) string {
	if detail == "" {
		return detail
	}
	fields := strings.Fields(detail)
	changed := false
	for i, field := range fields {
		for _, sep := range []string{"=", ":"} {
			idx := strings.Index(field, sep)
			if idx <= 0 || idx == len(field)-1 {
				continue
			}
			if !isSensitiveKey(field[:idx]) {
				continue
			}
			fields[i] = field[:idx] + sep + "sha256:" + hashString(field[idx+1:], salt)
			changed = true
			break
		}
	}
	if !changed {
		return detail
	}
	return strings.Join(fields, " ")
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
