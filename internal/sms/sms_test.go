package sms

import (
	"context"
	"errors"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"48600100200", "+48600100200", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Canonicalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMockClientRecords(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	if err := mock.SendSMS(ctx, "+15550001111", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Fatalf("unexpected sent messages %+v", sent)
	}

	mock.Err = errors.New("twilio down")
	if err := mock.SendSMS(ctx, "+15550001111", "again"); err == nil {
		t.Error("expected configured error")
	}
	if len(mock.Sent()) != 1 {
		t.Error("failed send should not be recorded")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.from != "+15550000000" {
		t.Errorf("unexpected from %q", c.from)
	}
}
