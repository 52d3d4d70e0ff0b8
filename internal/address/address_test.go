package address

import "testing"

func TestValidateDomain(t *testing.T) {
	cases := []struct {
		domain string
		ok     bool
	}{
		{"example.com", true},
		{"foo.example.com", true},
		{"xn--fsq.example.com", true},
		{"", false},
		{".example.com", false},
		{"example.com.", false},
		{"foo..com", false},
		{"example", false},
		{"example.1", false},
		{"exa mple.com", false},
	}
	for _, c := range cases {
		err := ValidateDomain(c.domain)
		if (err == nil) != c.ok {
			t.Errorf("ValidateDomain(%q) = %v, want ok=%v", c.domain, err, c.ok)
		}
	}
}

func TestParseMailFrom(t *testing.T) {
	mb, _, err := ParseMailFrom("<>")
	if err != nil {
		t.Fatalf("ParseMailFrom(<>): %v", err)
	}
	if mb.Kind != Bounce {
		t.Errorf("expected Bounce, got %v", mb.Kind)
	}

	mb, _, err = ParseMailFrom("<user@example.com> SIZE=1024 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("ParseMailFrom: %v", err)
	}
	if mb.Kind != Normal || mb.Local != "user" || mb.Domain != "example.com" {
		t.Errorf("got %+v", mb)
	}
	if mb.Params != "SIZE=1024 BODY=8BITMIME" {
		t.Errorf("got params %q", mb.Params)
	}

	mb, _, err = ParseMailFrom("<@route1,@route2:user@example.com>")
	if err != nil {
		t.Fatalf("ParseMailFrom with source route: %v", err)
	}
	if mb.Local != "user" || mb.Domain != "example.com" {
		t.Errorf("source route not stripped: %+v", mb)
	}

	_, _, err = ParseMailFrom("<user@>")
	if err == nil {
		t.Errorf("expected error for empty domain")
	}
}

func TestParseRcptTo(t *testing.T) {
	mb, _, err := ParseRcptTo("<postmaster>")
	if err != nil {
		t.Fatalf("ParseRcptTo(postmaster): %v", err)
	}
	if mb.Kind != Postmaster {
		t.Errorf("expected Postmaster, got %v", mb.Kind)
	}

	mb, _, err = ParseRcptTo("<user@example.com>")
	if err != nil {
		t.Fatalf("ParseRcptTo: %v", err)
	}
	if mb.Kind != Normal || mb.String() != "user@example.com" {
		t.Errorf("got %+v", mb)
	}

	_, _, err = ParseRcptTo("<>")
	if err == nil {
		t.Errorf("expected error: bounce is not valid for RCPT TO")
	}

	_, _, err = ParseRcptTo("user@example.com")
	if err == nil {
		t.Errorf("expected error for missing angle brackets")
	}
}
