package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{"Typical address", "alice@example.com", "a***@example.com"},
		{"Single char local part", "a@example.com", "a***@example.com"},
		{"Unicode local part", "ærlig@example.com", "æ***@example.com"},
		{"Missing at sign", "not-an-email", "***"},
		{"Empty", "", "***"},
		{"Leading at sign", "@example.com", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactEmail(tt.addr))
		})
	}
}

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		name     string
		number   string
		expected string
	}{
		{"E.164", "+15551234567", "***67"},
		{"Short", "12", "***"},
		{"Empty", "", "***"},
		{"Whitespace padded", " +4479460958 ", "***58"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactPhone(tt.number))
		})
	}
}

func TestRedactRecipient(t *testing.T) {
	assert.Equal(t, "a***@example.com", RedactRecipient("email", "alice@example.com"))
	assert.Equal(t, "***67", RedactRecipient("sms", "+15551234567"))
	assert.Equal(t, "fcmtoken***", RedactRecipient("push", "fcmtoken-abcdef-123456"))
	assert.Equal(t, "***", RedactRecipient("fax", "whatever"))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "***", RedactToken("short"))
	assert.Equal(t, "d6a0cbf0***", RedactToken("d6a0cbf0e1a54b2c"))
}
