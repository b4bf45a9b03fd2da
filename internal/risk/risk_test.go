package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allCategories = []string{
	"exploit_execution",
	"credential_bruteforce",
	"network_flooding",
	"destructive_write_actions",
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		command string
		enabled []string
		want    []string
	}{
		{
			name:    "hydra smb bruteforce",
			command: "hydra -L users.txt -P passwords.txt smb://[IP]",
			enabled: allCategories,
			want:    []string{"credential_bruteforce"},
		},
		{
			name:    "msfconsole exploit",
			command: "msfconsole -x 'use exploit/windows/smb/ms17_010'",
			enabled: allCategories,
			want:    []string{"exploit_execution"},
		},
		{
			name:    "case insensitive",
			command: "HYDRA -l admin target",
			enabled: allCategories,
			want:    []string{"credential_bruteforce"},
		},
		{
			name:    "min-rate flood flag",
			command: "nmap --min-rate 10000 -p- [IP]",
			enabled: allCategories,
			want:    []string{"network_flooding"},
		},
		{
			name:    "t5 timing",
			command: "nmap -T5 -sV [IP]",
			enabled: allCategories,
			want:    []string{"network_flooding"},
		},
		{
			name:    "destructive rm",
			command: "rm -rf /var/www/html",
			enabled: allCategories,
			want:    []string{"destructive_write_actions"},
		},
		{
			name:    "multiple categories in taxonomy order",
			command: "msfconsole exploit with hydra password flood",
			enabled: allCategories,
			want:    []string{"exploit_execution", "credential_bruteforce", "network_flooding"},
		},
		{
			name:    "disabled category suppressed",
			command: "hydra -l admin target",
			enabled: []string{"exploit_execution"},
			want:    []string{},
		},
		{
			name:    "empty enabled set",
			command: "hydra exploit flood rm -rf /",
			enabled: nil,
			want:    []string{},
		},
		{
			name:    "benign nmap scan",
			command: "nmap -sV -p 80,443 [IP]",
			enabled: allCategories,
			want:    []string{},
		},
		{
			name:    "word boundary respected",
			command: "run exploitation-report-generator",
			enabled: allCategories,
			want:    []string{},
		},
		{
			name:    "enabled names trimmed",
			command: "hydra -l admin target",
			enabled: []string{"  credential_bruteforce  "},
			want:    []string{"credential_bruteforce"},
		},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.command, tt.enabled)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyUnknownEnabledCategoryIgnored(t *testing.T) {
	got := Classify("hydra -l admin target", []string{"credential_bruteforce", "made_up_category"})
	assert.Equal(t, []string{"credential_bruteforce"}, got)
}

func TestCategoryIDsOrder(t *testing.T) {
	assert.Equal(t, allCategories, NewClassifier().CategoryIDs())
}

func TestLoadTaxonomyMissingFileFallsBack(t *testing.T) {
	c, err := LoadTaxonomy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, allCategories, c.CategoryIDs())
}

func TestLoadTaxonomyOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	doc := `categories:
  - id: lateral_movement
    patterns:
      - '\bwmiexec\b'
      - '\bevil-winrm\b'
  - id: credential_bruteforce
    patterns:
      - '\bhydra\b'
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadTaxonomy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"lateral_movement", "credential_bruteforce"}, c.CategoryIDs())

	got := c.Classify("wmiexec.py admin@[IP]", []string{"lateral_movement"})
	assert.Equal(t, []string{"lateral_movement"}, got)
}

func TestLoadTaxonomyMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories: {not: a list"), 0o600))

	_, err := LoadTaxonomy(path)
	assert.Error(t, err)
}

func TestLoadTaxonomyBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	doc := `categories:
  - id: broken
    patterns:
      - '[unclosed'
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadTaxonomy(path)
	assert.Error(t, err)
}
