package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
)

type submitBody struct {
	Prompt  string `json:"prompt" validate:"required"`
	Credits int    `json:"credits" validate:"omitempty,min=1"`
}

func TestDecodeJSONBody(t *testing.T) {
	var body submitBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"a fox","credits":3}`))
	require.NoError(t, DecodeJSONBody(req, &body))
	assert.Equal(t, "a fox", body.Prompt)
	assert.Equal(t, 3, body.Credits)
}

func TestDecodeJSONBodyRejects(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"unknown field":  `{"prompt":"x","seed":1}`,
		"trailing value": `{"prompt":"x"} {"prompt":"y"}`,
		"missing prompt": `{"credits":2}`,
		"below min":      `{"prompt":"x","credits":-1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var body submitBody
			err := DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw)), &body)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}
}

func TestDecodeJSONBodyFieldMessages(t *testing.T) {
	var body submitBody
	err := DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"credits":0,"prompt":""}`)), &body)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, map[string]string{"prompt": "is required"}, typed.Details())
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	var body submitBody
	raw := `{"prompt":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	err := DecodeJSONBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw)), &body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "a fox\nin snow", SanitizeString("  a fox\x00\nin snow\x07 ", 0))
	assert.Equal(t, "ab", SanitizeString("abc", 2))
	// "é" is two bytes; a cut inside it drops the whole rune.
	assert.Equal(t, "caf", SanitizeString("café", 4))
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&cursor=abc", nil)
	limit, err := ParseQueryInt(req, "limit", 24, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	limit, err = ParseQueryInt(httptest.NewRequest(http.MethodGet, "/", nil), "limit", 24, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 24, limit)

	_, err = ParseQueryInt(httptest.NewRequest(http.MethodGet, "/?limit=500", nil), "limit", 24, 1, 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = ParseQueryInt(httptest.NewRequest(http.MethodGet, "/?limit=ten", nil), "limit", 24, 1, 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	cursor, err := ParseQueryString(req, "cursor", 8)
	require.NoError(t, err)
	assert.Equal(t, "abc", cursor)
	_, err = ParseQueryString(req, "cursor", 2)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
