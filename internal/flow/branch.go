package flow

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/linepulse/linepulse/internal/models"
)

// EvaluateBranches walks the ordered branch list and returns the next step ID
// of the first branch whose condition holds for the answer. The second return
// reports whether any branch matched.
func EvaluateBranches(branches []models.Branch, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	for i := range branches {
		if branchMatches(&branches[i], answer) {
			return branches[i].NextStepID, true
		}
	}
	return "", false
}

func branchMatches(b *models.Branch, answer string) bool {
	switch b.Condition {
	case models.BranchEquals:
		return strings.EqualFold(answer, b.Value)
	case models.BranchContains:
		return strings.Contains(strings.ToLower(answer), strings.ToLower(b.Value))
	case models.BranchRegex:
		re, err := regexp.Compile("(?i)" + b.Value)
		if err != nil {
			slog.Warn("flow.branchMatches: branch regex does not compile", "pattern", b.Value)
			return false
		}
		return re.MatchString(answer)
	case models.BranchGT, models.BranchLT:
		got, err := strconv.ParseFloat(answer, 64)
		if err != nil {
			return false
		}
		want, err := strconv.ParseFloat(b.Value, 64)
		if err != nil {
			slog.Warn("flow.branchMatches: branch threshold is not numeric", "value", b.Value)
			return false
		}
		if b.Condition == models.BranchGT {
			return got > want
		}
		return got < want
	case models.BranchDefault:
		return true
	default:
		return false
	}
}
