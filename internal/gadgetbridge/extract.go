package gadgetbridge

import (
	"encoding/base64"
	"math"
	"strings"
	"unicode/utf8"
)

const atobPrefix = "atob("

// ExtractString returns the quoted string value following the first
// occurrence of key in payload. The value must start with '"' right after
// the key and ends at the next '"'. An atob("...") value is base64 decoded.
//
// It reports false when the key is absent, when the value is not a string,
// when payload ends right after the opening quote, when there is no closing
// quote, or when an atob value does not decode.
func ExtractString(key, payload string) (string, bool) {
	idx := strings.Index(payload, key)
	if idx < 0 {
		return "", false
	}
	rest := payload[idx+len(key):]

	encoded := false
	if strings.HasPrefix(rest, atobPrefix) {
		rest = rest[len(atobPrefix):]
		encoded = true
	}

	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	if len(rest) == 0 {
		return "", false
	}

	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	value := rest[:end]

	if encoded {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", false
		}
		return string(decoded), true
	}
	return strings.Clone(value), true
}

// leadingDigits returns the decimal digits that follow key, or "" when key is
// absent or not directly followed by a digit.
func leadingDigits(key, payload string) string {
	idx := strings.Index(payload, key)
	if idx < 0 {
		return ""
	}
	rest := payload[idx+len(key):]

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	return rest[:n]
}

// ExtractUint32 parses the unsigned integer following key. Missing keys and
// non-numeric values yield 0. Values above the uint32 range saturate.
func ExtractUint32(key, payload string) uint32 {
	return uint32(parseDigits(leadingDigits(key, payload), math.MaxUint32))
}

// ExtractInt32 parses the integer following key. The value must start with a
// digit, so a negative value yields 0 like a missing one.
func ExtractInt32(key, payload string) int32 {
	return int32(parseDigits(leadingDigits(key, payload), math.MaxInt32))
}

func parseDigits(digits string, limit uint64) uint64 {
	var v uint64
	for i := 0; i < len(digits); i++ {
		v = v*10 + uint64(digits[i]-'0')
		if v > limit {
			return limit
		}
	}
	return v
}

// Gadgetbridge sends quoted keys ("t":) in current releases and bare keys
// (t:) in older ones.
func quotedKey(name string) string { return `"` + name + `":` }
func bareKey(name string) string   { return name + ":" }

func fieldString(name, payload string) (string, bool) {
	if v, ok := ExtractString(quotedKey(name), payload); ok {
		return v, true
	}
	return ExtractString(bareKey(name), payload)
}

func fieldKey(name, payload string) string {
	if strings.Contains(payload, quotedKey(name)) {
		return quotedKey(name)
	}
	return bareKey(name)
}

func fieldUint32(name, payload string) uint32 {
	return ExtractUint32(fieldKey(name, payload), payload)
}

func fieldInt32(name, payload string) int32 {
	return ExtractInt32(fieldKey(name, payload), payload)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
