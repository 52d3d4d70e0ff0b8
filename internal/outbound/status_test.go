package outbound

import (
	"bytes"
	"testing"
)

func TestWriteResult(t *testing.T) {
	// S5 Outbound pipelining: stdout to caller is
	// K250 ok\0r250 ok\0h550 user\0r250 ok\0
	var buf bytes.Buffer
	rcpts := []RecipientResult{
		{Addr: "a@example.com", Class: 'r', Reply: "250 ok"},
		{Addr: "b@example.com", Class: 'h', Reply: "550 user"},
		{Addr: "c@example.com", Class: 'r', Reply: "250 ok"},
	}
	if err := WriteResult(&buf, StatusAccepted, "250 ok", rcpts); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	want := "K250 ok\x00r250 ok\x00h550 user\x00r250 ok\x00"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteFatal(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFatal(&buf, StatusTemp, "no MX found"); err != nil {
		t.Fatalf("WriteFatal: %v", err)
	}
	if buf.String() != "Zno MX found\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestOverallFor(t *testing.T) {
	cases := []struct {
		code int
		want byte
	}{
		{250, StatusAccepted},
		{450, StatusTemp},
		{550, StatusPermanent},
	}
	for _, c := range cases {
		if got := OverallFor(c.code); got != c.want {
			t.Errorf("OverallFor(%d) = %c, want %c", c.code, got, c.want)
		}
	}
}
