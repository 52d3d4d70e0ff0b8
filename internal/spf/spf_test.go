package spf

import (
	"fmt"
	"net"
	"testing"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
)

type fakeResolver struct {
	txt  map[string][]string
	mx   map[string][]dnsres.MXRecord
	a    map[string][]net.IP
	aaaa map[string][]net.IP
	ptr  map[string][]string
	err  map[string]error
}

func newFake() *fakeResolver {
	return &fakeResolver{
		txt:  map[string][]string{},
		mx:   map[string][]dnsres.MXRecord{},
		a:    map[string][]net.IP{},
		aaaa: map[string][]net.IP{},
		ptr:  map[string][]string{},
		err:  map[string]error{},
	}
}

func (f *fakeResolver) LookupTXT(name string) ([]string, dnsres.Status, error) {
	if err, ok := f.err[name]; ok {
		return nil, dnsres.Temporary, err
	}
	v, ok := f.txt[name]
	if !ok || len(v) == 0 {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func (f *fakeResolver) LookupMX(name string) ([]dnsres.MXRecord, dnsres.Status, error) {
	v, ok := f.mx[name]
	if !ok || len(v) == 0 {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func (f *fakeResolver) LookupAAAA(name string) ([]net.IP, dnsres.Status, error) {
	v, ok := f.aaaa[name]
	if !ok || len(v) == 0 {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func (f *fakeResolver) LookupA(name string) ([]net.IP, dnsres.Status, error) {
	v, ok := f.a[name]
	if !ok || len(v) == 0 {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func (f *fakeResolver) LookupPTR(ip net.IP) ([]string, dnsres.Status, error) {
	v, ok := f.ptr[ip.String()]
	if !ok || len(v) == 0 {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

var ip1110 = net.ParseIP("1.1.1.0")
var ip1111 = net.ParseIP("1.1.1.1")

func ctxWith(fr *fakeResolver) *Context {
	return &Context{
		Sender:          "sender@example.com",
		IP:              ip1111,
		HELO:            "helo.example.com",
		ReceivingDomain: "mx.example.com",
		Resolver:        fr,
	}
}

func TestBasic(t *testing.T) {
	cases := []struct {
		txt string
		res Result
	}{
		{"", None},
		{"blah", None},
		{"v=spf1", Neutral},
		{"v=spf1 ", Neutral},
		{"v=spf1 -", PermError},
		{"v=spf1 all", Pass},
		{"v=spf1  +all", Pass},
		{"v=spf1 -all ", Fail},
		{"v=spf1 ~all", SoftFail},
		{"v=spf1 ?all", Neutral},
		{"v=spf1 a ~all", SoftFail},
		{"v=spf1 a/24", Neutral},
		{"v=spf1 a:d1110/24", Pass},
		{"v=spf1 a:d1110", Neutral},
		{"v=spf1 a:d1111", Pass},
		{"v=spf1 a:nothing/24", Neutral},
		{"v=spf1 mx", Neutral},
		{"v=spf1 mx/24", Neutral},
		{"v=spf1 mx:d1110/24 ~all", Pass},
		{"v=spf1 ip4:1.2.3.4 ~all", SoftFail},
		{"v=spf1 ip6:12 ~all", PermError},
		{"v=spf1 ip4:1.1.1.1 -all", Pass},
		{"v=spf1 blah", PermError},
	}

	fr := newFake()
	fr.a["d1111"] = []net.IP{ip1111}
	fr.a["d1110"] = []net.IP{ip1110}
	fr.mx["d1110"] = []dnsres.MXRecord{{Host: "d1110", Pref: 5}, {Host: "nothing", Pref: 10}}

	for _, c := range cases {
		fr.txt["domain"] = []string{c.txt}
		res, _, err := CheckHost(ctxWith(fr), "domain")
		if (res == TempError || res == PermError) && (err == nil) {
			t.Errorf("%q: expected error, got nil", c.txt)
		}
		if res != c.res {
			t.Errorf("%q: expected %q, got %q", c.txt, c.res, res)
			t.Logf("%q:   error: %v", c.txt, err)
		}
	}
}

func TestExistsAndPtr(t *testing.T) {
	fr := newFake()
	fr.a["4.3.2.1.in-addr._spf.example.com"] = []net.IP{net.ParseIP("9.9.9.9")}
	fr.txt["domain"] = []string{"v=spf1 exists:%{ir}.in-addr._spf.example.com -all"}

	ctx := ctxWith(fr)
	ctx.IP = net.ParseIP("1.2.3.4")
	res, _, err := CheckHost(ctx, "domain")
	if res != Pass {
		t.Errorf("exists: expected Pass, got %v (%v)", res, err)
	}

	fr2 := newFake()
	fr2.ptr[ip1111.String()] = []string{"mail.example.com"}
	fr2.a["mail.example.com"] = []net.IP{ip1111}
	fr2.txt["example.com"] = []string{"v=spf1 ptr -all"}

	res, _, err = CheckHost(ctxWith(fr2), "example.com")
	if res != Pass {
		t.Errorf("ptr: expected Pass, got %v (%v)", res, err)
	}
}

func TestRedirectAndExp(t *testing.T) {
	fr := newFake()
	fr.txt["domain"] = []string{"v=spf1 redirect=other.example.com"}
	fr.txt["other.example.com"] = []string{"v=spf1 -all exp=blocked.example.com"}
	fr.txt["blocked.example.com"] = []string{"You are not welcome here"}

	res, exp, err := CheckHost(ctxWith(fr), "domain")
	if res != Fail {
		t.Errorf("expected Fail, got %v (%v)", res, err)
	}
	_ = exp
}

func TestRecursionLimit(t *testing.T) {
	fr := newFake()
	fr.txt["domain"] = []string{"v=spf1 include:domain ~all"}

	res, _, err := CheckHost(ctxWith(fr), "domain")
	if res != PermError {
		t.Errorf("expected permerror, got %v (%v)", res, err)
	}
}

func TestNoRecord(t *testing.T) {
	fr := newFake()
	fr.txt["d1"] = []string{""}
	fr.txt["d2"] = []string{"loco", "v=spf2"}
	fr.err["nospf"] = fmt.Errorf("no such domain")

	for _, domain := range []string{"d1", "d2", "d3", "nospf"} {
		res, _, err := CheckHost(ctxWith(fr), domain)
		if domain == "nospf" {
			if res != TempError {
				t.Errorf("%s: expected temperror, got %v (%v)", domain, res, err)
			}
			continue
		}
		if res != None {
			t.Errorf("%s: expected none, got %v (%v)", domain, res, err)
		}
	}
}

func TestMacroExpansion(t *testing.T) {
	c := &Context{
		Sender:          "strong-bad@email.example.com",
		IP:              net.ParseIP("192.0.2.3"),
		HELO:            "email.example.com",
		ReceivingDomain: "mx.example.org",
	}

	cases := []struct {
		template string
		domain   string
		want     string
	}{
		{"%{s}", "email.example.com", "strong-bad@email.example.com"},
		{"%{o}", "email.example.com", "email.example.com"},
		{"%{l}", "email.example.com", "strong-bad"},
		{"%{l-}", "email.example.com", "strong.bad"},
		{"%{lr}", "email.example.com", "strong-bad"},
		{"%{lr-}", "email.example.com", "bad.strong"},
		{"%{d}", "email.example.com", "email.example.com"},
		{"%{d4}", "email.example.com", "email.example.com"},
		{"%{d3}", "email.example.com", "email.example.com"},
		{"%{d2}", "email.example.com", "example.com"},
		{"%{d1}", "email.example.com", "com"},
		{"%{dr}", "email.example.com", "com.example.email"},
		{"%{d2r}", "email.example.com", "example.email"},
		{"%{ir}.%{v}._spf.%{d2}", "email.example.com", "3.2.0.192.in-addr._spf.example.com"},
	}

	for _, c2 := range cases {
		got, err := c.expand(c2.template, c2.domain)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c2.template, err)
			continue
		}
		if got != c2.want {
			t.Errorf("%q: got %q, want %q", c2.template, got, c2.want)
		}
	}
}
