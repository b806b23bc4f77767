package validate

import (
	"errors"
	"testing"

	"github.com/hyperjump/patmaster/internal/apperr"
)

type sample struct {
	Name  string `json:"name" validate:"required,max=5"`
	Email string `json:"contact_email" validate:"omitempty,email"`
	Code  string `json:"code" validate:"omitempty,oneof=a b"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		in   sample
		want string
	}{
		{sample{Name: "ok"}, ""},
		{sample{}, "name is required"},
		{sample{Name: "toolong"}, "name must be at most 5 characters"},
		{sample{Name: "ok", Email: "x"}, "contact_email must be a valid email address"},
		{sample{Name: "ok", Code: "z"}, "code is invalid"},
	}
	for _, tt := range tests {
		err := Struct(tt.in)
		if tt.want == "" {
			if err != nil {
				t.Errorf("%+v: unexpected error %v", tt.in, err)
			}
			continue
		}
		if !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("%+v: got %v, want invalid input", tt.in, err)
			continue
		}
		if got := apperr.PublicMessage(err, ""); got != tt.want {
			t.Errorf("%+v: got %q, want %q", tt.in, got, tt.want)
		}
	}
}
