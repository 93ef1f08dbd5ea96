package anonymizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// SaltField is the member name the salt is embedded under.
const SaltField = "salt"

// ContentField holds content that has no structure of its own when it is
// wrapped together with a salt.
const ContentField = "content"

// EmbedSalt returns the digest input for secure anonymization.
//
// Content that is a JSON object gains a "salt" member and is re-serialised in
// canonical form: keys sorted by UTF-16 code units, strings NFC-normalised, no
// insignificant whitespace, numbers kept as their literal text.
//
// Content in the brace-delimited record form used by PrivacyChain clients,
// e.g. {cpf:72815157071, exam:HIV}, gets ", salt:<salt>" inserted before the
// closing brace.
//
// Any other content, including a JSON object that already has a "salt"
// member, is wrapped as the canonical object {"content":<content>,"salt":<salt>}.
func EmbedSalt(content, salt string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return wrapPlain(content, salt)
	}

	if json.Valid([]byte(trimmed)) {
		obj, err := decodeObject(trimmed)
		if err != nil {
			return "", err
		}
		if _, exists := obj[SaltField]; exists {
			return wrapPlain(content, salt)
		}
		obj[SaltField] = salt
		out, err := MarshalCanonical(obj)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	return trimmed[:len(trimmed)-1] + ", " + SaltField + ":" + salt + "}", nil
}

func wrapPlain(content, salt string) (string, error) {
	out, err := MarshalCanonical(map[string]any{ContentField: content, SaltField: salt})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: decode content: %v", ErrAnonymization, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrAnonymization)
	}
	return obj, nil
}

// MarshalCanonical serialises a decoded JSON value (as produced by
// encoding/json with UseNumber) into its canonical form.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrAnonymization, v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return fmt.Errorf("%w: encode string: %v", ErrAnonymization, err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// lessUTF16 orders strings by their UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
