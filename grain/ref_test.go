package grain

import (
	"errors"
	"testing"

	"grain-rpc/codec"
	"grain-rpc/rpcerr"
)

func setupHub(t *testing.T, ser codec.Serializer) (client *Registry, h *hub, remote Hub) {
	t.Helper()
	client, server := newPair(ser)

	h = &hub{}
	desc, _ := Describe[Hub](server.Catalog())
	if _, err := server.RegisterServant(7, desc, h); err != nil {
		t.Fatal(err)
	}
	cdesc, _ := Describe[Hub](client.Catalog())
	stub, err := client.RegisterProxy(7, cdesc)
	if err != nil {
		t.Fatal(err)
	}
	return client, h, stub.(Hub)
}

func TestByReferenceKeepsIdentity(t *testing.T) {
	for _, ser := range []codec.Serializer{&codec.JSONCodec{}, &codec.BinaryCodec{}} {
		client, h, remote := setupHub(t, ser)
		rec := &recorder{}

		first, err := remote.Subscribe(rec)
		if err != nil {
			t.Fatalf("%s: %v", ser.Type(), err)
		}
		second, err := remote.Subscribe(rec)
		if err != nil {
			t.Fatalf("%s: %v", ser.Type(), err)
		}

		// the server saw the same proxy both times
		if len(h.seen) != 2 || h.seen[0] != h.seen[1] {
			t.Fatalf("%s: expect the same proxy for both transmissions", ser.Type())
		}
		if _, isProxy := h.seen[0].(GrainProxy); !isProxy {
			t.Fatalf("%s: expect the server to receive a proxy, got %T", ser.Type(), h.seen[0])
		}

		// and the client got its own subject back, not a copy
		if first != Listener(rec) || second != Listener(rec) {
			t.Fatalf("%s: expect the original subject back, got %T", ser.Type(), first)
		}

		// the server called back into the client through the proxy
		if msgs := rec.messages(); len(msgs) != 2 || msgs[0] != "subscribed" {
			t.Fatalf("%s: unexpected notifications %v", ser.Type(), msgs)
		}
		if client.NumServants() != 1 {
			t.Fatalf("%s: expect one servant for the subject, got %d", ser.Type(), client.NumServants())
		}
	}
}

func TestDynamicReferenceCarriesInterface(t *testing.T) {
	_, _, remote := setupHub(t, &codec.JSONCodec{})
	rec := &recorder{}

	got, err := remote.Echo(rec)
	if err != nil {
		t.Fatal(err)
	}
	if got != any(rec) {
		t.Fatalf("expect the original subject back, got %T", got)
	}

	got, err = remote.Echo(nil)
	if err != nil || got != nil {
		t.Fatalf("expect nil to round trip, got %v (%v)", got, err)
	}
}

func TestDynamicPlainValueGoesByValue(t *testing.T) {
	for _, ser := range []codec.Serializer{&codec.JSONCodec{}, &codec.BinaryCodec{}} {
		client, _, remote := setupHub(t, ser)

		got, err := remote.Echo("hello")
		if err != nil || got != "hello" {
			t.Fatalf("%s: expect hello back, got %v (%v)", ser.Type(), got, err)
		}
		// 普通值不会变成 servant
		if client.NumServants() != 0 {
			t.Fatalf("%s: a plain value must not be exported, got %d servants", ser.Type(), client.NumServants())
		}
	}

	// gob 只认识注册过的动态类型
	_, _, remote := setupHub(t, &codec.BinaryCodec{})
	if _, err := remote.Echo(struct{ N int }{N: 1}); err == nil {
		t.Fatal("expect an error for an unregistered dynamic type")
	}
}

func TestNilByReference(t *testing.T) {
	_, h, remote := setupHub(t, &codec.BinaryCodec{})

	got, err := remote.Subscribe(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expect a nil listener back, got %T", got)
	}
	if len(h.seen) != 1 || h.seen[0] != nil {
		t.Fatalf("expect a nil listener on the server, got %v", h.seen)
	}
}

func TestUnregisteredErrorIsUnserializable(t *testing.T) {
	c := NewCatalog()
	for _, ser := range []codec.Serializer{&codec.JSONCodec{}, &codec.BinaryCodec{}} {
		d := c.DescribeError(&NegativeError{A: 3}, ser)
		err := c.ReconstructError(d, ser)

		var unser *rpcerr.UnserializableError
		if !errors.As(err, &unser) {
			t.Fatalf("%s: expect UnserializableError, got %T", ser.Type(), err)
		}
		if unser.TypeName != "*grain.NegativeError" || unser.Message != "negative operand 3" {
			t.Errorf("%s: unexpected %+v", ser.Type(), unser)
		}
	}
}

func TestBuiltinErrorsSurviveTheWire(t *testing.T) {
	c := NewCatalog()
	ser := &codec.JSONCodec{}

	cases := []error{
		&rpcerr.NoSuchServantError{ObjectID: 7, Interface: "demo.Calculator", Method: "Add"},
		&rpcerr.TypeMismatchError{ObjectID: 7, Expected: "demo.Calculator", Actual: "demo.Listener"},
		rpcerr.UnknownMethod("demo.Calculator", "Mul"),
		&rpcerr.UnserializableError{TypeName: "*os.PathError", Message: "open x"},
		rpcerr.ErrRateLimited,
	}
	for _, in := range cases {
		out := c.ReconstructError(c.DescribeError(in, ser), ser)
		if rpcerr.CodeOf(out) != rpcerr.CodeOf(in) {
			t.Errorf("%T: code changed from %d to %d", in, rpcerr.CodeOf(in), rpcerr.CodeOf(out))
		}
		if out.Error() != in.Error() {
			t.Errorf("%T: message changed from %q to %q", in, in.Error(), out.Error())
		}
	}
	if out := c.ReconstructError(c.DescribeError(rpcerr.ErrRateLimited, ser), ser); !errors.Is(out, rpcerr.ErrRateLimited) {
		t.Errorf("expect rebuilt error to match ErrRateLimited, got %v", out)
	}
}
