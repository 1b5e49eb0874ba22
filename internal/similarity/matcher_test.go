package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/triage/internal/models"
)

func issue(id, title, desc string) *models.Issue {
	return &models.Issue{ID: id, Title: title, Description: desc}
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"login", "button", "crash"}, Tokens("Login  button\tcrash"))
	assert.Equal(t, []string{"the", "fix"}, Tokens("the ui is to fix"))
	assert.Nil(t, Tokens("a an to"))
	assert.Nil(t, Tokens("   "))
}

func TestFindSimilar_ShortTitle(t *testing.T) {
	existing := []*models.Issue{issue("1", "ab", "ab"), issue("2", "anything", "")}
	assert.Empty(t, FindSimilar("ab", existing))
	assert.Empty(t, FindSimilar("", existing))
}

func TestFindSimilar_NoSignificantTokens(t *testing.T) {
	existing := []*models.Issue{issue("1", "to do or be", "")}
	assert.Empty(t, FindSimilar("to do or", existing))
}

func TestFindSimilar_HalfRoundedUp(t *testing.T) {
	login := issue("1", "Login button broken", "clicking fails")
	got := FindSimilar("Login button crash", []*models.Issue{login})
	assert.Equal(t, []*models.Issue{login}, got)

	// One of three tokens is below ceil(3/2).
	assert.Empty(t, FindSimilar("Login page crash", []*models.Issue{issue("2", "Logout", "nothing about login")}))
}

func TestFindSimilar_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		title     string
		desc      string
		want      bool
	}{
		{"single token match", "crash", "App crash on start", "", true},
		{"single token miss", "crash", "App freezes", "", false},
		{"two tokens need one", "dark mode", "Support dark theme", "", true},
		{"three tokens need two", "export csv report", "CSV export", "", true},
		{"three tokens one match", "export csv report", "Export PDF", "", false},
		{"four tokens need two", "slow search results page", "Search is slow", "", true},
		{"description counts", "payment timeout", "Checkout", "gateway timeout on payment", true},
		{"substring not whole word", "log", "Catalog view", "", true},
		{"case insensitive", "LOGIN", "login fails", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindSimilar(tt.candidate, []*models.Issue{issue("x", tt.title, tt.desc)})
			if tt.want {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestFindSimilar_PreservesOrder(t *testing.T) {
	a := issue("a", "database timeout", "")
	b := issue("b", "unrelated", "")
	c := issue("c", "timeout in database layer", "")
	d := issue("d", "database migration", "timeout")

	got := FindSimilar("database timeout", []*models.Issue{a, b, c, d})
	assert.Equal(t, []*models.Issue{a, c, d}, got)
}

func TestTruncate(t *testing.T) {
	all := []*models.Issue{issue("1", "", ""), issue("2", "", ""), issue("3", "", ""), issue("4", "", "")}
	assert.Len(t, Truncate(all, DisplayLimit), 3)
	assert.Len(t, Truncate(all[:2], DisplayLimit), 2)
	assert.Len(t, Truncate(all, -1), 4)
}
