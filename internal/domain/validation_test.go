package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		err    error
	}{
		{"Valid domain", "example.com", nil},
		{"Valid subdomain", "mail.example.co.uk", nil},
		{"Valid with dash", "my-mail.example.com", nil},
		{"Invalid - empty", "", ErrInvalidDomain},
		{"Invalid - single label", "localhost", ErrInvalidDomain},
		{"Invalid - uppercase", "Example.com", ErrInvalidDomain},
		{"Invalid - leading dash", "-bad.com", ErrInvalidDomain},
		{"Invalid - trailing dash label", "bad-.com", ErrInvalidDomain},
		{"Invalid - double dot", "bad..com", ErrInvalidDomain},
		{"Invalid - numeric tld", "example.123", ErrInvalidDomain},
		{"Invalid - underscore", "bad_name.com", ErrInvalidDomain},
		{"Invalid - long label", strings.Repeat("a", 64) + ".com", ErrInvalidDomain},
		{"Invalid - too long", strings.Repeat("abcdefghi.", 26) + "com", ErrDomainTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateDomain(tt.domain), tt.err)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{"Plain address", "User@Example.com", "user@example.com", false},
		{"Display name", "Alice <alice@example.com>", "alice@example.com", false},
		{"Angle brackets", "<bob@example.com>", "bob@example.com", false},
		{"Plus tag", "bob+tag@example.com", "bob+tag@example.com", false},
		{"Invalid - no at", "bob.example.com", "", true},
		{"Invalid - no domain", "bob@", "", true},
		{"Invalid - empty", "  ", "", true},
		{"Invalid - bad domain", "bob@localhost", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		expected bool
	}{
		{"Valid username", "testuser", true},
		{"Valid username with numbers", "user123", true},
		{"Valid username with underscore", "test_user", true},
		{"Valid minimum length", "abc", true},
		{"Invalid - too short", "ab", false},
		{"Invalid - too long", "abcdefghijklmnopqrstuvwxyz1234567", false},
		{"Invalid - spaces", "test user", false},
		{"Invalid - starts with number", "123user", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateUsername(tt.username) == nil)
		})
	}
}

func TestParseMX(t *testing.T) {
	t.Run("带优先级", func(t *testing.T) {
		p, host, err := ParseMX("20 mx.example.com.")
		require.NoError(t, err)
		assert.Equal(t, uint(20), p)
		assert.Equal(t, "mx.example.com", host)
	})

	t.Run("缺省优先级", func(t *testing.T) {
		p, host, err := ParseMX("mail.example.com")
		require.NoError(t, err)
		assert.Equal(t, uint(10), p)
		assert.Equal(t, "mail.example.com", host)
	})

	t.Run("非法格式", func(t *testing.T) {
		_, _, err := ParseMX("high mail.example.com")
		assert.ErrorIs(t, err, ErrInvalidMXRecord)
		_, _, err = ParseMX("")
		assert.ErrorIs(t, err, ErrInvalidMXRecord)
	})
}

func TestDNSInstructions(t *testing.T) {
	d := &MailDomain{
		Domain:        "example.com",
		MXRecord:      "10 mail.example.com",
		SPFRecord:     "v=spf1 mx ~all",
		DKIMSelector:  "mf1",
		DKIMPublicKey: "AAAA",
		DMARCRecord:   "v=DMARC1; p=none",
	}

	records := d.DNSInstructions()
	require.Len(t, records, 4)
	assert.Equal(t, "MX", records[0].Type)
	assert.Equal(t, uint(10), records[0].Priority)
	assert.Equal(t, "mf1._domainkey", records[2].Name)
	assert.Equal(t, "v=DKIM1; k=rsa; p=AAAA", records[2].Value)
	assert.Equal(t, "_dmarc", records[3].Name)
}
