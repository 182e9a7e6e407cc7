package identifier

import (
	"strings"
	"testing"
)

func TestValidate_Accepts(t *testing.T) {
	cases := []string{
		"a",
		"workdir",
		"my-share",
		"my_share",
		"my.share",
		"ABC123",
		"0123456789",
		"a.b-c_d",
	}
	for _, in := range cases {
		out, err := Validate(in)
		if err != nil {
			t.Errorf("Validate(%q) returned error: %v", in, err)
		}
		if out != in {
			t.Errorf("Validate(%q) = %q, want unchanged", in, out)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []string{
		"",
		"bad/tag",
		"bad tag",
		"bad;tag",
		"bad$tag",
		"bad`tag`",
		"bad\ttag",
		"bad\ntag",
		"../escape",
		"bad&&tag",
	}
	for _, in := range cases {
		if _, err := Validate(in); err == nil {
			t.Errorf("Validate(%q) = nil error, want rejection", in)
		}
	}
}

func TestValidate_ErrorMessageNamesValue(t *testing.T) {
	_, err := Validate("bad/tag")
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "bad/tag") {
		t.Fatalf("error message %q does not name the rejected value", msg)
	}
}
