package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type turnRequest struct {
	Text          string `json:"text" validate:"required,max=500"`
	AccountNumber string `json:"account_number" validate:"required,nuban"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid request", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(&turnRequest{Text: "send 5000 to John", AccountNumber: "0123456789"}))
	})

	t.Run("account number must be ten digits", func(t *testing.T) {
		for _, acct := range []string{"12345", "01234567890", "01234S6789"} {
			err := vh.ValidateStruct(&turnRequest{Text: "balance", AccountNumber: acct})
			var fieldErrs validator.ValidationErrors
			require.True(t, errors.As(err, &fieldErrs), acct)
			assert.Equal(t, "AccountNumber", fieldErrs[0].Field())
			assert.Equal(t, "nuban", fieldErrs[0].Tag())
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		err := vh.ValidateStruct(&turnRequest{})
		var fieldErrs validator.ValidationErrors
		require.True(t, errors.As(err, &fieldErrs))
		assert.Len(t, fieldErrs, 2)
	})
}

func TestDecodeAndValidate(t *testing.T) {
	vh := NewValidationHelper()

	tests := []struct {
		name    string
		body    string
		ok      bool
		message string
	}{
		{"valid", `{"text":"balance","account_number":"0123456789"}`, true, ""},
		{"malformed", `{"text":`, false, "Invalid request body"},
		{"unknown field", `{"text":"balance","account_number":"0123456789","pin":"1234"}`, false, "Invalid request body"},
		{"two objects", `{"text":"a","account_number":"0123456789"}{"text":"b"}`, false, "Request body must only contain a single JSON object"},
		{"fails validation", `{"text":"balance","account_number":"12"}`, false, "Validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			var req turnRequest
			ok := vh.DecodeAndValidate(w, r, &req, 0)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "balance", req.Text)
				return
			}

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.message, resp.Error)
		})
	}

	t.Run("body too large", func(t *testing.T) {
		body := `{"text":"` + strings.Repeat("a", 64) + `","account_number":"0123456789"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		w := httptest.NewRecorder()
		var req turnRequest
		assert.False(t, vh.DecodeAndValidate(w, r, &req, 16))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("validation details", func(t *testing.T) {
		err := NewValidationHelper().ValidateStruct(&turnRequest{AccountNumber: "1"})
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "Text")
		assert.Contains(t, resp.Details, "AccountNumber")
	})

	t.Run("non-validation error carries no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, errors.New("boom"))

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Unauthorized", resp.Error)
		assert.Nil(t, resp.Details)
	})
}
