package codec

import (
	"errors"
	"testing"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type orderShipped struct {
	OrderID string `json:"order_id"`
}

func TestClassName(t *testing.T) {
	want := "github.com/groblegark/pqbus/internal/codec.orderPlaced"
	if got := ClassName(orderPlaced{}); got != want {
		t.Errorf("ClassName(value) = %q, want %q", got, want)
	}
	if got := ClassName(&orderPlaced{}); got != want {
		t.Errorf("ClassName(pointer) = %q, want %q", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New()
	if err := c.Register(&orderPlaced{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	in := &orderPlaced{OrderID: "ord-1", Amount: 250}
	className, eventJSON, err := c.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if className != ClassName(in) {
		t.Errorf("class name = %q, want %q", className, ClassName(in))
	}

	decoded, err := c.Decode(className, eventJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := decoded.(*orderPlaced)
	if !ok {
		t.Fatalf("decoded type = %T, want *orderPlaced", decoded)
	}
	if *out != *in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	// Re-encoding the decoded event yields identical bytes.
	_, again, err := c.Encode(out)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if again != eventJSON {
		t.Errorf("re-encoded JSON = %s, want %s", again, eventJSON)
	}
}

func TestDecodeUnknownClass(t *testing.T) {
	c := New()
	_, err := c.Decode("com.example.Missing", "{}")
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("decode unknown class: err = %v, want ErrUnknownClass", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	c := New()
	if err := c.Register(orderPlaced{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Decode(ClassName(orderPlaced{}), "{not json"); err == nil {
		t.Fatal("decode malformed JSON: want error, got nil")
	}
}

func TestRegisterNameConflict(t *testing.T) {
	c := New()
	if err := c.RegisterName("events.Order", orderPlaced{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same type under the same name is a no-op.
	if err := c.RegisterName("events.Order", &orderPlaced{}); err != nil {
		t.Fatalf("re-register same type: %v", err)
	}
	// A different type under the same name is rejected.
	if err := c.RegisterName("events.Order", orderShipped{}); err == nil {
		t.Fatal("register conflicting type: want error, got nil")
	}
}

func TestRegisterNonStruct(t *testing.T) {
	c := New()
	if err := c.Register(42); err == nil {
		t.Fatal("register int: want error, got nil")
	}
}
