package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"a@b@c", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+15555550123", "***23"},
		{"555-0123", "***23"},
		{"12", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := RedactPhone(tt.in); got != tt.want {
			t.Errorf("RedactPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactPIIValue(t *testing.T) {
	if got := redactPIIValue("email", "jane@shop.io"); got != "ja***@shop.io" {
		t.Errorf("email field not redacted: %q", got)
	}
	if got := redactPIIValue("note", "contact jane@shop.io today"); got != "contact ja***@shop.io today" {
		t.Errorf("embedded email not redacted: %q", got)
	}
	if got := redactPIIValue("phone", "+15555550123"); got != "***23" {
		t.Errorf("phone field not redacted: %q", got)
	}
}
