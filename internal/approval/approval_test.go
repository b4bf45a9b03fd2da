package approval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAskApproveFamily(t *testing.T) {
	var out strings.Builder
	result := ask(Prompt{
		ToolID:           "hydra-smb",
		Label:            "SMB password spray",
		CommandTemplate:  "hydra -L users.txt -P passwords.txt smb://{target}",
		FamilyID:         "a1b2c3d4e5f60718",
		DangerCategories: []string{"credential_bruteforce"},
	}, strings.NewReader("a\n"), &out)

	assert.True(t, result.Approved)
	assert.Equal(t, "approve_family", result.UserAction)
	assert.Contains(t, out.String(), "credential_bruteforce")
	assert.Contains(t, out.String(), "a1b2c3d4e5f60718")
}

func TestAskDeny(t *testing.T) {
	var out strings.Builder
	result := ask(Prompt{ToolID: "msfconsole"}, strings.NewReader("n\n"), &out)

	assert.False(t, result.Approved)
	assert.Equal(t, "deny", result.UserAction)
}

func TestAskRetriesOnInvalidInput(t *testing.T) {
	var out strings.Builder
	result := ask(Prompt{ToolID: "hydra-smb"}, strings.NewReader("maybe\nd\n"), &out)

	assert.False(t, result.Approved)
	assert.Contains(t, out.String(), "Invalid input")
}

func TestAskDeniesWhenInputCloses(t *testing.T) {
	var out strings.Builder
	result := ask(Prompt{ToolID: "hydra-smb"}, strings.NewReader(""), &out)

	assert.False(t, result.Approved)
	assert.Equal(t, "error_reading_input", result.UserAction)
}
