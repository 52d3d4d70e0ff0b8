package policy

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/spf"
	"blitiri.com.ar/go/qsmtpd/internal/userconf"
)

type fakeA struct {
	m map[string][]net.IP
}

func (f *fakeA) LookupA(name string) ([]net.IP, dnsres.Status, error) {
	v, ok := f.m[name]
	if !ok {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func mkfile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDNSBLDenies(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "dnsbl", "sbl.example.net\n")

	fa := &fakeA{m: map[string][]net.IP{
		"4.3.2.1.sbl.example.net": {net.ParseIP("127.0.0.2")},
	}}

	c := &Context{
		RemoteIP: net.ParseIP("1.2.3.4"),
		Conf:     userconf.New(domainDir, "", ""),
		Resolver: fa,
	}

	r := DNSBLCheck(c)
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage (%s)", r.Verdict, r.Message)
	}
}

func TestDNSBLWhitelistOverrides(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "dnsbl", "sbl.example.net\n")
	mkfile(t, domainDir, "whitednsbl", "white.example.net\n")

	fa := &fakeA{m: map[string][]net.IP{
		"4.3.2.1.sbl.example.net":   {net.ParseIP("127.0.0.2")},
		"4.3.2.1.white.example.net": {net.ParseIP("127.0.0.2")},
	}}

	c := &Context{
		RemoteIP: net.ParseIP("1.2.3.4"),
		Conf:     userconf.New(domainDir, "", ""),
		Resolver: fa,
	}

	r := DNSBLCheck(c)
	if r.Verdict != Passed {
		t.Fatalf("got %v, want Passed", r.Verdict)
	}
}

func TestDNSBLNoList(t *testing.T) {
	domainDir := t.TempDir()
	c := &Context{
		RemoteIP: net.ParseIP("1.2.3.4"),
		Conf:     userconf.New(domainDir, "", ""),
		Resolver: &fakeA{m: map[string][]net.IP{}},
	}
	r := DNSBLCheck(c)
	if r.Verdict != Skipped {
		t.Fatalf("got %v, want Skipped", r.Verdict)
	}
}

func TestRHSBLDenies(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "rhsbl", "dbl.example.net\n")

	fa := &fakeA{m: map[string][]net.IP{
		"spammer.example.com.dbl.example.net": {net.ParseIP("127.0.0.2")},
	}}

	c := &Context{
		SenderDomain: "spammer.example.com",
		Conf:         userconf.New(domainDir, "", ""),
		Resolver:     fa,
	}

	r := RHSBLCheck(c)
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage", r.Verdict)
	}
}

func TestBounceCheckSkipsNonBounce(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "bouncebl", "bbl.example.net\n")

	c := &Context{
		IsBounce:    false,
		ReverseName: "mail.spammer.example.com",
		Conf:        userconf.New(domainDir, "", ""),
		Resolver:    &fakeA{m: map[string][]net.IP{}},
	}
	if r := BounceCheck(c); r.Verdict != Skipped {
		t.Fatalf("got %v, want Skipped", r.Verdict)
	}
}

func TestRunPromotesTempOnFailHard(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "fail_hard_on_temp", "1\n")

	c := &Context{Conf: userconf.New(domainDir, "", "")}

	always4xx := func(c *Context) Result {
		return tempErr("4.7.1 temp", userconf.None)
	}

	r := Run(c, []Callback{always4xx})
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage", r.Verdict)
	}
}

func TestRunKeepsTempWithoutFailHard(t *testing.T) {
	domainDir := t.TempDir()
	c := &Context{Conf: userconf.New(domainDir, "", "")}

	always4xx := func(c *Context) Result {
		return tempErr("4.7.1 temp", userconf.None)
	}

	r := Run(c, []Callback{always4xx})
	if r.Verdict != DeniedTemporary {
		t.Fatalf("got %v, want DeniedTemporary", r.Verdict)
	}
}

func TestRunNonexistOnBlockRewritesMessage(t *testing.T) {
	domainDir := t.TempDir()
	mkfile(t, domainDir, "nonexist_on_block", "1\n")

	c := &Context{Conf: userconf.New(domainDir, "", "")}

	denier := func(c *Context) Result {
		return deny("5.7.1 you are spam", userconf.Domain)
	}

	r := Run(c, []Callback{denier})
	if r.Message != "5.1.1 no such user" {
		t.Fatalf("got %q, want the no-such-user rewrite", r.Message)
	}
}

func TestRunStopsAtFirstDenial(t *testing.T) {
	domainDir := t.TempDir()
	c := &Context{Conf: userconf.New(domainDir, "", "")}

	called := false
	never := func(c *Context) Result {
		called = true
		return passed()
	}
	denier := func(c *Context) Result {
		return deny("5.7.1 nope", userconf.Domain)
	}

	r := Run(c, []Callback{denier, never})
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage", r.Verdict)
	}
	if called {
		t.Fatalf("callback after a denial should not have run")
	}
}

func TestSPFCheckPolicyLevels(t *testing.T) {
	fr := newFakeResolver()
	fr.txt["example.com"] = []string{"v=spf1 ~all"}

	domainDir := t.TempDir()
	mkfile(t, domainDir, "spfpolicy", "1\n")

	c := &Context{
		SenderDomain: "example.com",
		Conf:         userconf.New(domainDir, "", ""),
		SPF: &spf.Context{
			Sender:   "a@example.com",
			IP:       net.ParseIP("9.9.9.9"),
			Resolver: fr,
		},
	}

	// spfpolicy=1 only rejects temperror, so a softfail should pass.
	r := SPFCheck(c)
	if r.Verdict != Passed {
		t.Fatalf("got %v (%s), want Passed at spfpolicy=1", r.Verdict, r.Message)
	}

	mkfile(t, domainDir, "spfpolicy", "4\n")
	c.Conf = userconf.New(domainDir, "", "")
	r = SPFCheck(c)
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage at spfpolicy=4", r.Verdict)
	}
}

func TestSPFCheckIgnoreOverride(t *testing.T) {
	fr := newFakeResolver()
	fr.txt["example.com"] = []string{"v=spf1 -all"}

	domainDir := t.TempDir()
	mkfile(t, domainDir, "spfignore", "mail.goodguy.example\n")

	c := &Context{
		SenderDomain: "example.com",
		ReverseName:  "mail.goodguy.example",
		Conf:         userconf.New(domainDir, "", ""),
		SPF: &spf.Context{
			Sender:   "a@example.com",
			IP:       net.ParseIP("9.9.9.9"),
			Resolver: fr,
		},
	}

	r := SPFCheck(c)
	if r.Verdict != Passed {
		t.Fatalf("got %v, want Passed via spfignore override", r.Verdict)
	}
}

func TestSPFCheckStrictOnNone(t *testing.T) {
	fr := newFakeResolver()

	domainDir := t.TempDir()
	mkfile(t, domainDir, "spfstrict", "example.com\n")

	c := &Context{
		SenderDomain: "example.com",
		Conf:         userconf.New(domainDir, "", ""),
		SPF: &spf.Context{
			Sender:   "a@example.com",
			IP:       net.ParseIP("9.9.9.9"),
			Resolver: fr,
		},
	}

	r := SPFCheck(c)
	if r.Verdict != DeniedWithMessage {
		t.Fatalf("got %v, want DeniedWithMessage via spfstrict override", r.Verdict)
	}
}

// fakeResolver satisfies the unexported resolver interface in package
// spf structurally, same as internal/spf/spf_test.go's.
type fakeResolver struct {
	txt map[string][]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{txt: map[string][]string{}}
}

func (f *fakeResolver) LookupTXT(name string) ([]string, dnsres.Status, error) {
	v, ok := f.txt[name]
	if !ok {
		return nil, dnsres.NoRecord, nil
	}
	return v, dnsres.OK, nil
}

func (f *fakeResolver) LookupMX(name string) ([]dnsres.MXRecord, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}

func (f *fakeResolver) LookupAAAA(name string) ([]net.IP, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}

func (f *fakeResolver) LookupA(name string) ([]net.IP, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}

func (f *fakeResolver) LookupPTR(ip net.IP) ([]string, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}
