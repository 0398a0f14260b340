package validation

import (
	"strings"
	"testing"
)

func TestValidateTitle(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "Campus Marketplace", false},
		{"unicode", "Étude: ソフト", false},
		{"empty", "", true},
		{"whitespace only", "   \t", true},
		{"too long", strings.Repeat("a", MaxTitleLen+1), true},
		{"max length", strings.Repeat("a", MaxTitleLen), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTitle(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTitle(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxMembers(t *testing.T) {
	tests := []struct {
		name    string
		n       uint64
		limit   uint64
		wantErr bool
	}{
		{"one", 1, 0, false},
		{"at default limit", DefaultMaxMembers, 0, false},
		{"zero", 0, 0, true},
		{"over default limit", DefaultMaxMembers + 1, 0, true},
		{"custom limit", 10, 10, false},
		{"over custom limit", 11, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxMembers(tt.n, tt.limit)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxMembers(%d, %d) error = %v, wantErr %v", tt.n, tt.limit, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepositoryLink(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"github", "https://github.com/campus/market", false},
		{"http", "http://git.example.edu/repo", false},
		{"no scheme", "github.com/campus/market", true},
		{"ftp", "ftp://example.com/repo", true},
		{"javascript", "javascript:alert(1)", true},
		{"no host", "https:///path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepositoryLink(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepositoryLink(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateContentReference(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"cid v0", "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", false},
		{"cid v1", "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", false},
		{"empty", "", true},
		{"whitespace", "Qm abc", true},
		{"path", "Qm/../etc", true},
		{"too long", strings.Repeat("Q", MaxReferenceLen+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContentReference(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContentReference(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateGovernanceMode(t *testing.T) {
	for _, ok := range []string{"", "solo", "snapshot"} {
		if err := ValidateGovernanceMode(ok); err != nil {
			t.Errorf("ValidateGovernanceMode(%q) unexpected error: %v", ok, err)
		}
	}
	if err := ValidateGovernanceMode("dictator"); err == nil {
		t.Error("ValidateGovernanceMode(dictator) expected error")
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid semver", "1.0.0", false},
		{"valid with v prefix", "v1.0.0", false},
		{"valid prerelease", "1.0.0-beta.1", false},
		{"invalid no minor", "1", true},
		{"invalid no patch", "1.0", true},
		{"invalid characters", "1.0.0-beta!", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVersion(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateLimit(t *testing.T) {
	got, err := ValidateLimit(0, 50)
	if err != nil || got != 50 {
		t.Errorf("ValidateLimit(0, 50) = %d, %v", got, err)
	}
	got, err = ValidateLimit(500, 50)
	if err != nil || got != 50 {
		t.Errorf("ValidateLimit(500, 50) = %d, %v", got, err)
	}
	got, err = ValidateLimit(7, 50)
	if err != nil || got != 7 {
		t.Errorf("ValidateLimit(7, 50) = %d, %v", got, err)
	}
	if _, err := ValidateLimit(-1, 50); err == nil {
		t.Error("ValidateLimit(-1, 50) expected error")
	}
}

func TestValidateChainID(t *testing.T) {
	if err := ValidateChainID(84532); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateChainID(0); err == nil {
		t.Error("expected error for zero chain id")
	}
}
