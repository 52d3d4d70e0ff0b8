package normalize

import "testing"

func TestUser(t *testing.T) {
	valid := []struct{ user, norm string }{
		{"ÑAndÚ", "ñandú"},
		{"Pingüino", "pingüino"},
	}
	for _, c := range valid {
		nu, err := User(c.user)
		if nu != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.user, nu, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.user, err)
		}

	}

	invalid := []string{
		"á é", "a\te", "x ", "x\xa0y", "x\x85y", "x\vy", "x\fy", "x\ry",
		"henry\u2163", "\u265a", "\u00b9",
	}
	for _, u := range invalid {
		nu, err := User(u)
		if err == nil {
			t.Errorf("expected User(%+q) to fail, but did not", u)
		}
		if nu != u {
			t.Errorf("%+q failed norm, but returned %+q", u, nu)
		}
	}
}

func TestAddr(t *testing.T) {
	valid := []struct{ user, norm string }{
		{"ÑAndÚ@pampa", "ñandú@pampa"},
		{"Pingüino@patagonia", "pingüino@patagonia"},
	}
	for _, c := range valid {
		nu, err := Addr(c.user)
		if nu != c.norm {
			t.Errorf("%q normalized to %q, expected %q", c.user, nu, c.norm)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.user, err)
		}

	}

	invalid := []string{
		"á é@i", "henry\u2163@throne",
	}
	for _, u := range invalid {
		nu, err := Addr(u)
		if err == nil {
			t.Errorf("expected Addr(%+q) to fail, but did not", u)
		}
		if nu != u {
			t.Errorf("%+q failed norm, but returned %+q", u, nu)
		}
	}
}

func TestDomain(t *testing.T) {
	valid := []struct{ domain, ascii string }{
		{"example.com", "example.com"},
		{"ñandú.com.ar", "xn--and-6ma2c.com.ar"},
	}
	for _, c := range valid {
		d, err := Domain(c.domain)
		if d != c.ascii {
			t.Errorf("%q normalized to %q, expected %q", c.domain, d, c.ascii)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.domain, err)
		}
	}

	if _, err := Domain("in valid"); err == nil {
		t.Errorf("expected Domain(%q) to fail, but did not", "in valid")
	}
}

func TestDomainToUnicode(t *testing.T) {
	valid := []struct{ addr, want string }{
		{"user@example.com", "user@example.com"},
		{"user@ñandú.com.ar", "user@xn--and-6ma2c.com.ar"},
		{"postmaster", "postmaster"},
	}
	for _, c := range valid {
		got, err := DomainToUnicode(c.addr)
		if got != c.want {
			t.Errorf("%q normalized to %q, expected %q", c.addr, got, c.want)
		}
		if err != nil {
			t.Errorf("%q error: %v", c.addr, err)
		}
	}

	if _, err := DomainToUnicode("user@in valid"); err == nil {
		t.Errorf("expected DomainToUnicode to fail on invalid domain, but did not")
	}
}
