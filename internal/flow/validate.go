// Package flow implements the auto-response pipeline: rule matching,
// scenario execution, action side effects and response orchestration.
package flow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/linepulse/linepulse/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-\s]{5,}[0-9]$`)
)

// DefaultValidationError is sent when a question step rejects an answer and
// declares no error message of its own.
const DefaultValidationError = "入力内容をご確認のうえ、もう一度お送りください。"

// ValidateAnswer checks an answer against a question step's validation spec.
// A nil spec accepts everything. A regex spec whose pattern does not compile
// rejects every answer rather than silently accepting bad input.
func ValidateAnswer(spec *models.ValidationSpec, answer string) bool {
	if spec == nil {
		return true
	}
	answer = strings.TrimSpace(answer)
	switch spec.Type {
	case models.ValidationTypeText:
		return answer != ""
	case models.ValidationTypeNumber:
		_, err := strconv.ParseFloat(answer, 64)
		return err == nil
	case models.ValidationTypeEmail:
		return emailPattern.MatchString(answer)
	case models.ValidationTypePhone:
		return phonePattern.MatchString(answer)
	case models.ValidationTypeRegex:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(answer)
	default:
		return true
	}
}

// ValidationErrorMessage returns the message to send for a rejected answer.
func ValidationErrorMessage(spec *models.ValidationSpec) string {
	if spec != nil && spec.ErrorMessage != "" {
		return spec.ErrorMessage
	}
	return DefaultValidationError
}
