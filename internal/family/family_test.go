package family

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "ipv4 replaced before numbers",
			template: "nmap -sV 192.168.1.10 -p 443",
			want:     "nmap -sV [IPV4] -p [NUM]",
		},
		{
			name:     "multiple numbers",
			template: "hydra -t 4 -w 30 smb://10.0.0.5",
			want:     "hydra -t [NUM] -w [NUM] smb://[IPV4]",
		},
		{
			name:     "whitespace collapsed",
			template: "  nikto   -h [IP]\t-p 8080  ",
			want:     "nikto -h [IP] -p [NUM]",
		},
		{
			name:     "long digit runs untouched",
			template: "tool --id 1234567890",
			want:     "tool --id 1234567890",
		},
		{
			name:     "empty",
			template: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTemplate(tt.template))
		})
	}
}

func TestIDDeterministic(t *testing.T) {
	a := ID("nmap-vuln.nse", "tcp", "nmap --script vuln 192.168.1.10 -p 445")
	b := ID("nmap-vuln.nse", "tcp", "nmap --script vuln 10.20.30.40 -p 8443")
	assert.Equal(t, a, b, "addresses and ports must not change the family")

	c := ID("NMAP-VULN.NSE", "TCP", "nmap   --script vuln 192.168.1.10 -p 445")
	assert.Equal(t, a, c, "tool/protocol case and spacing must not change the family")
}

func TestIDShape(t *testing.T) {
	id := ID("hydra-smb", "tcp", "hydra -L users.txt smb://[IP]")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), id)
}

func TestIDDistinguishesTriples(t *testing.T) {
	base := ID("hydra-smb", "tcp", "hydra -L users.txt smb://[IP]")

	assert.NotEqual(t, base, ID("hydra-ftp", "tcp", "hydra -L users.txt smb://[IP]"))
	assert.NotEqual(t, base, ID("hydra-smb", "udp", "hydra -L users.txt smb://[IP]"))
	assert.NotEqual(t, base, ID("hydra-smb", "tcp", "medusa -U users.txt -h [IP]"))
}
