package flow

import (
	"testing"

	"github.com/linepulse/linepulse/internal/models"
)

func TestValidateAnswer(t *testing.T) {
	cases := []struct {
		name   string
		spec   *models.ValidationSpec
		answer string
		want   bool
	}{
		{"nil spec accepts anything", nil, "whatever", true},
		{"text accepts non-empty", &models.ValidationSpec{Type: models.ValidationTypeText}, "hi", true},
		{"text rejects empty", &models.ValidationSpec{Type: models.ValidationTypeText}, "   ", false},
		{"number accepts integer", &models.ValidationSpec{Type: models.ValidationTypeNumber}, "42", true},
		{"number accepts decimal", &models.ValidationSpec{Type: models.ValidationTypeNumber}, "3.14", true},
		{"number rejects words", &models.ValidationSpec{Type: models.ValidationTypeNumber}, "forty two", false},
		{"email accepts valid", &models.ValidationSpec{Type: models.ValidationTypeEmail}, "taro@example.com", true},
		{"email rejects missing at", &models.ValidationSpec{Type: models.ValidationTypeEmail}, "taro.example.com", false},
		{"email rejects missing domain dot", &models.ValidationSpec{Type: models.ValidationTypeEmail}, "taro@example", false},
		{"phone accepts international", &models.ValidationSpec{Type: models.ValidationTypePhone}, "+81 90-1234-5678", true},
		{"phone rejects letters", &models.ValidationSpec{Type: models.ValidationTypePhone}, "call me", false},
		{"regex accepts match", &models.ValidationSpec{Type: models.ValidationTypeRegex, Pattern: `^[A-Z]{3}-\d{4}$`}, "ABC-1234", true},
		{"regex rejects non-match", &models.ValidationSpec{Type: models.ValidationTypeRegex, Pattern: `^[A-Z]{3}-\d{4}$`}, "abc-1234", false},
		{"broken regex rejects everything", &models.ValidationSpec{Type: models.ValidationTypeRegex, Pattern: `([unclosed`}, "anything", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateAnswer(tc.spec, tc.answer); got != tc.want {
				t.Errorf("ValidateAnswer(%v, %q) = %v, want %v", tc.spec, tc.answer, got, tc.want)
			}
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	custom := &models.ValidationSpec{Type: models.ValidationTypeEmail, ErrorMessage: "メールアドレスの形式で入力してください"}
	if got := ValidationErrorMessage(custom); got != custom.ErrorMessage {
		t.Errorf("got %q, want custom message", got)
	}
	if got := ValidationErrorMessage(&models.ValidationSpec{Type: models.ValidationTypeText}); got != DefaultValidationError {
		t.Errorf("got %q, want default message", got)
	}
	if got := ValidationErrorMessage(nil); got != DefaultValidationError {
		t.Errorf("got %q, want default message for nil spec", got)
	}
}
