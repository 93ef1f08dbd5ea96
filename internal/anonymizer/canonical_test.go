package anonymizer_test

import (
	"testing"

	"github.com/jmerrifield20/privacychain/internal/anonymizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedSalt(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"record", "{cpf:1, exam:HIV}", "{cpf:1, exam:HIV, salt:s}"},
		{"record with padding", "  {cpf:1}\n", "{cpf:1, salt:s}"},
		{"empty object", "{ }", `{"salt":"s"}`},
		{"json object", `{"b":1,"a":"x"}`, `{"a":"x","b":1,"salt":"s"}`},
		{"json nested", `{"z":{"y":[true,null,1.50]},"a":"<&>"}`, `{"a":"<&>","salt":"s","z":{"y":[true,null,1.50]}}`},
		{"json nfc", "{\"n\":\"e\u0301\"}", "{\"n\":\"\u00e9\",\"salt\":\"s\"}"},
		{"plain text", "d", `{"content":"d","salt":"s"}`},
		{"plain keeps padding", " d\n", `{"content":" d\n","salt":"s"}`},
		{"empty", "", `{"content":"","salt":"s"}`},
		{"json array", "[1,2]", `{"content":"[1,2]","salt":"s"}`},
		{"json string", `"str"`, `{"content":"\"str\"","salt":"s"}`},
		{"unclosed brace", "{open", `{"content":"{open","salt":"s"}`},
		{"object with salt member", `{"salt":"mine"}`, `{"content":"{\"salt\":\"mine\"}","salt":"s"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := anonymizer.EmbedSalt(tc.content, "s")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEmbedSalt_saltChangesEveryForm(t *testing.T) {
	for _, content := range []string{"d", "{cpf:1}", `{"a":1}`, ""} {
		a, err := anonymizer.EmbedSalt(content, "s1")
		require.NoError(t, err)
		b, err := anonymizer.EmbedSalt(content, "s2")
		require.NoError(t, err)
		assert.NotEqual(t, a, b, "content %q", content)
	}
}

func TestMarshalCanonical_utf16KeyOrder(t *testing.T) {
	// U+1F600 encodes as the surrogate pair D83D DE00, which sorts before
	// U+E000 by code unit even though its code point is larger.
	out, err := anonymizer.MarshalCanonical(map[string]any{
		"\uE000":     "a",
		"\U0001F600": "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":\"b\",\"\uE000\":\"a\"}", string(out))
}
