package amf0

import "testing"

func TestCommandRoundTrip(t *testing.T) {
	cmd := &Command{
		Name:    "publish",
		TransID: 0,
		Args: []*Value{
			Null(),
			String("my-stream-key"),
			String("live"),
		},
	}

	encoded := EncodeCommand(cmd)
	decoded := DecodeCommand(encoded)

	if decoded.Name != "publish" {
		t.Fatalf("Name = %q, want %q", decoded.Name, "publish")
	}
	if decoded.Arg(1).GetString() != "my-stream-key" {
		t.Fatalf("Arg(1) = %q, want %q", decoded.Arg(1).GetString(), "my-stream-key")
	}
	if decoded.Arg(2).GetString() != "live" {
		t.Fatalf("Arg(2) = %q, want %q", decoded.Arg(2).GetString(), "live")
	}
	if !decoded.Arg(0).IsUndefined() && decoded.Arg(0).Type != TypeNull {
		t.Fatalf("Arg(0) type = %d, want TypeNull", decoded.Arg(0).Type)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	obj := Object(map[string]*Value{
		"app":            String("live"),
		"objectEncoding": Number(0),
	})
	cmd := &Command{Name: "connect", TransID: 1, Args: []*Value{obj}}

	decoded := DecodeCommand(EncodeCommand(cmd))
	got := decoded.Arg(0)
	if got.GetProperty("app").GetString() != "live" {
		t.Fatalf("app = %q, want %q", got.GetProperty("app").GetString(), "live")
	}
	if got.GetProperty("objectEncoding").GetInteger() != 0 {
		t.Fatalf("objectEncoding = %d, want 0", got.GetProperty("objectEncoding").GetInteger())
	}
}

func TestArgOutOfRangeReturnsUndefined(t *testing.T) {
	cmd := &Command{Name: "connect", TransID: 1}
	if !cmd.Arg(5).IsUndefined() {
		t.Fatal("expected out-of-range Arg to be undefined")
	}
}
