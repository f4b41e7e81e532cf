package validation

import (
	"errors"
	"strings"
	"testing"
)

// --- ValidateGuestID Tests ---

func TestValidateGuestID_Valid(t *testing.T) {
	tests := []string{"guest_1", "guest_007", "guest_123456", "GUEST_42", "Guest_9"}

	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			if err := ValidateGuestID("guestId", id); err != nil {
				t.Errorf("ValidateGuestID(%q) = %v, want nil", id, err)
			}
		})
	}
}

func TestValidateGuestID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"no digits", "guest_"},
		{"too many digits", "guest_1234567"},
		{"wrong prefix", "visitor_12"},
		{"letters in number", "guest_12a"},
		{"surrounding space", " guest_12 "},
		{"raw tag uid", "04:A2:2B:1A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGuestID("guestId", tt.value)
			if err == nil {
				t.Fatalf("ValidateGuestID(%q) = nil, want error", tt.value)
			}
			if err.Field != "guestId" {
				t.Errorf("error.Field = %q, want %q", err.Field, "guestId")
			}
		})
	}
}

// --- ValidateNonNegative Tests ---

func TestValidateNonNegative(t *testing.T) {
	if err := ValidateNonNegative("meals", 0); err != nil {
		t.Errorf("ValidateNonNegative(0) = %v, want nil", err)
	}
	if err := ValidateNonNegative("meals", 3); err != nil {
		t.Errorf("ValidateNonNegative(3) = %v, want nil", err)
	}
	if err := ValidateNonNegative("meals", -1); err == nil {
		t.Error("ValidateNonNegative(-1) = nil, want error")
	}
}

// --- ValidateTimestamp Tests ---

func TestValidateTimestamp(t *testing.T) {
	valid := []string{
		"2024-03-01T14:05:00Z",
		"2024-03-01T14:05:00.123Z",
		"2024-03-01T09:05:00-05:00",
	}
	for _, v := range valid {
		if err := ValidateTimestamp("timestamp", v); err != nil {
			t.Errorf("ValidateTimestamp(%q) = %v, want nil", v, err)
		}
	}

	invalid := []string{"", "yesterday", "2024-03-01", "03/01/2024 14:05"}
	for _, v := range invalid {
		if err := ValidateTimestamp("timestamp", v); err == nil {
			t.Errorf("ValidateTimestamp(%q) = nil, want error", v)
		}
	}
}

// --- ValidateNoNullBytes Tests ---

func TestValidateNoNullBytes_WithNull(t *testing.T) {
	err := ValidateNoNullBytes("name", "hello\x00world")
	if err == nil {
		t.Error("ValidateNoNullBytes(with null) = nil, want error")
	}
	if err != nil && err.Field != "name" {
		t.Errorf("error.Field = %q, want %q", err.Field, "name")
	}
}

// --- ValidateMaxLength Tests ---

func TestValidateMaxLength(t *testing.T) {
	if err := ValidateMaxLength("name", "Ana", 3); err != nil {
		t.Errorf("ValidateMaxLength(at limit) = %v, want nil", err)
	}
	// Runes, not bytes
	if err := ValidateMaxLength("name", "Zoë", 3); err != nil {
		t.Errorf("ValidateMaxLength(multibyte) = %v, want nil", err)
	}
	err := ValidateMaxLength("name", "Anabel", 3)
	if err == nil {
		t.Fatal("ValidateMaxLength(over) = nil, want error")
	}
	if !strings.Contains(err.Message, "3") {
		t.Errorf("message %q should mention the limit", err.Message)
	}
}

// --- ValidateRequired / ValidateEnum Tests ---

func TestValidateRequired(t *testing.T) {
	if err := ValidateRequired("oldId", "   "); err == nil {
		t.Error("ValidateRequired(whitespace) = nil, want error")
	}
	if err := ValidateRequired("oldId", "guest_1"); err != nil {
		t.Errorf("ValidateRequired(value) = %v, want nil", err)
	}
}

func TestValidateEnum(t *testing.T) {
	allowed := []string{"LOG_SERVICE", "ANONYMOUS_ENTRY"}
	if err := ValidateEnum("action", "LOG_SERVICE", allowed); err != nil {
		t.Errorf("ValidateEnum(allowed) = %v, want nil", err)
	}
	err := ValidateEnum("action", "GET_BUDGET", allowed)
	if err == nil {
		t.Fatal("ValidateEnum(other) = nil, want error")
	}
	if !strings.Contains(err.Message, "ANONYMOUS_ENTRY") {
		t.Errorf("message %q should list allowed values", err.Message)
	}
}

// --- Collector Tests ---

func TestCollector_Empty(t *testing.T) {
	var c Collector
	c.Add(nil)
	if c.HasErrors() {
		t.Error("HasErrors() = true for empty collector")
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}

func TestCollector_AccumulatesAll(t *testing.T) {
	var c Collector
	c.Add(ValidateGuestID("guestId", "nope"))
	c.Add(ValidateNonNegative("meals", -2))
	c.Add(ValidateNonNegative("hygieneKits", 1))

	if len(c.Errors()) != 2 {
		t.Fatalf("len(Errors()) = %d, want 2", len(c.Errors()))
	}

	err := c.Err()
	var errs Errors
	if !errors.As(err, &errs) {
		t.Fatalf("Err() = %T, want Errors", err)
	}
	if errs[0].Field != "guestId" || errs[1].Field != "meals" {
		t.Errorf("fields = %q, %q; want guestId, meals", errs[0].Field, errs[1].Field)
	}
	if !strings.Contains(err.Error(), "meals must not be negative") {
		t.Errorf("Error() = %q", err.Error())
	}
}
