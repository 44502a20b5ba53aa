package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type loginRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	OTP   string `json:"otp,omitempty" validate:"omitempty,len=6,numeric"`
}

func TestStruct_Valid(t *testing.T) {
	assert.NoError(t, Struct(&loginRequest{Email: "a@x.com", OTP: "123456"}))
	assert.NoError(t, Struct(&loginRequest{Email: "a@x.com"}))
}

func TestStruct_UsesJSONFieldNames(t *testing.T) {
	err := Struct(&loginRequest{Email: "not-an-email"})
	assert.EqualError(t, err, "field 'email' failed 'email'")
}

func TestStruct_JoinsFieldErrors(t *testing.T) {
	err := Struct(&loginRequest{OTP: "12ab56"})
	assert.EqualError(t, err, "field 'email' failed 'required'; field 'otp' failed 'numeric'")
}
