package security

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
  }
}`

func echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("X-Echo-CID", CorrelationIDFromContext(r.Context()))
	_, _ = w.Write(body)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestCorrelationID(t *testing.T) {
	h := CorrelationID(http.HandlerFunc(echo))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when absent", "", false},
		{"kept when well formed", "req-123:abc", true},
		{"replaced when too long", strings.Repeat("a", maxCorrelationIDLen+1), false},
		{"replaced when it carries control characters", "abc\r\ndef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(CorrelationIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			cid := rec.Header().Get(CorrelationIDHeader)
			require.NotEmpty(t, cid)
			assert.Equal(t, cid, rec.Header().Get("X-Echo-CID"))
			if tt.keep {
				assert.Equal(t, tt.header, cid)
			} else {
				assert.NotEqual(t, tt.header, cid)
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	h := BodySizeLimit(16)(http.HandlerFunc(echo))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rec).Error)
}

func TestBodySizeLimitWithValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator("limit.json", testSchema)
	require.NoError(t, err)
	h := BodySizeLimit(16)(v.Middleware(http.HandlerFunc(echo)))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"1000000000000"}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator("tip.json", testSchema)
	require.NoError(t, err)
	h := v.Middleware(http.HandlerFunc(echo))

	tests := []struct {
		name    string
		body    string
		status  int
		code    string
		message string
	}{
		{"valid", `{"amount":"2.50"}`, http.StatusOK, "", ""},
		{"malformed", `{"amount":`, http.StatusBadRequest, "invalid_json", ""},
		{"number instead of string", `{"amount":2.5}`, http.StatusBadRequest, "validation_error", "/amount"},
		{"unknown field", `{"amount":"1","extra":true}`, http.StatusBadRequest, "validation_error", ""},
		{"missing field", `{}`, http.StatusBadRequest, "validation_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, tt.body, rec.Body.String(), "body is replayed to the handler")
				return
			}
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.Contains(t, resp.Message, tt.message)
		})
	}
}
