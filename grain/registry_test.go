package grain

import (
	"errors"
	"runtime"
	"strings"
	"testing"

	"grain-rpc/codec"
	"grain-rpc/dispatch"
	"grain-rpc/message"
	"grain-rpc/rpcerr"
)

func TestDescribe(t *testing.T) {
	c := newTestCatalog()

	d, ok := Describe[Calculator](c)
	if !ok {
		t.Fatal("Calculator not registered")
	}
	if d.Name != "grain.Calculator" {
		t.Errorf("unexpected name %q", d.Name)
	}
	add := d.Method("Add")
	if add == nil || len(add.Args) != 2 || len(add.Results) != 1 || !add.HasError || add.HasContext {
		t.Fatalf("unexpected Add descriptor: %+v", add)
	}
	if add.Policy != dispatch.PerMethod {
		t.Errorf("expect PerMethod for Add, got %v", add.Policy)
	}
	if v := d.Method("Value"); v == nil || v.Policy != dispatch.Unordered || v.HasError {
		t.Errorf("unexpected Value descriptor: %+v", v)
	}
	if d.Method("Mul") != nil {
		t.Error("expect no descriptor for Mul")
	}

	l, _ := c.Lookup("grain.Listener")
	if l == nil || !l.ByReference {
		t.Error("expect Listener to be by-reference")
	}
}

func TestRegisterRejectsBadInterfaces(t *testing.T) {
	c := NewCatalog()
	if _, err := Register(c, func(p *Proxy) *calculator { return nil }); err == nil {
		t.Error("expect error for non-interface type")
	}
	if _, err := Register(c, func(p *Proxy) Calculator { return &calculatorProxy{p} },
		WithDispatch("Mul", dispatch.PerObject)); err == nil {
		t.Error("expect error for policy on unknown method")
	}
	// 名字长度在线上只有两个字节
	if _, err := Register(c, func(p *Proxy) Calculator { return &calculatorProxy{p} },
		WithName(strings.Repeat("x", message.MaxNameLen+1))); err == nil {
		t.Error("expect error for a wire name longer than MaxNameLen")
	}
	if _, ok := c.Lookup(strings.Repeat("x", message.MaxNameLen+1)); ok {
		t.Error("rejected interface must not be registered")
	}
	MustRegister(c, func(p *Proxy) Calculator { return &calculatorProxy{p} })
	if _, err := Register(c, func(p *Proxy) Calculator { return &calculatorProxy{p} }); err == nil {
		t.Error("expect error for duplicate registration")
	}
}

func TestProxyCallsServant(t *testing.T) {
	for _, ser := range []codec.Serializer{&codec.JSONCodec{}, &codec.BinaryCodec{}} {
		client, server := newPair(ser)
		desc, _ := Describe[Calculator](server.Catalog())
		if _, err := server.RegisterServant(7, desc, &calculator{value: 42}); err != nil {
			t.Fatal(err)
		}

		cdesc, _ := Describe[Calculator](client.Catalog())
		stub, err := client.RegisterProxy(7, cdesc)
		if err != nil {
			t.Fatal(err)
		}
		calc := stub.(Calculator)

		if v := calc.Value(); v != 42 {
			t.Errorf("%s: expect Value 42, got %d", ser.Type(), v)
		}
		sum, err := calc.Add(1, 2)
		if err != nil || sum != 3 {
			t.Errorf("%s: expect 3, got %d (%v)", ser.Type(), sum, err)
		}

		// registered application errors come back as themselves
		_, err = calc.Add(-1, 2)
		var neg *NegativeError
		if !errors.As(err, &neg) || neg.A != -1 {
			t.Errorf("%s: expect *NegativeError, got %T %v", ser.Type(), err, err)
		}
	}
}

func TestProxyRejectsUnknownMethod(t *testing.T) {
	client, _ := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](client.Catalog())
	stub, err := client.RegisterProxy(7, desc)
	if err != nil {
		t.Fatal(err)
	}
	p := stub.(GrainProxy).GrainProxy()

	var argErr *rpcerr.ArgumentError
	if err := p.Invoke(nil, "Mul", []any{1, 2}); !errors.As(err, &argErr) || argErr.Method != "Mul" {
		t.Fatalf("expect ArgumentError naming Mul, got %v", err)
	}
	var sum int
	if err := p.Invoke(nil, "Add", []any{1}, &sum); !errors.As(err, &argErr) {
		t.Fatalf("expect ArgumentError for missing argument, got %v", err)
	}
	var wrong string
	if err := p.Invoke(nil, "Add", []any{1, 2}, &wrong); !errors.As(err, &argErr) {
		t.Fatalf("expect ArgumentError for wrong result type, got %v", err)
	}

	call := <-p.Go("Mul", nil, nil, nil).Done
	if !errors.As(call.Error, &argErr) {
		t.Fatalf("expect async ArgumentError, got %v", call.Error)
	}
}

func TestServantRejectsUnknownMethod(t *testing.T) {
	_, server := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](server.Catalog())
	s, err := server.RegisterServant(7, desc, &calculator{})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Invoke(nil, "Mul", nil, nil, NewMarshaller(server, &codec.JSONCodec{}))
	var argErr *rpcerr.ArgumentError
	if !errors.As(err, &argErr) || argErr.Method != "Mul" {
		t.Fatalf("expect ArgumentError naming Mul, got %v", err)
	}
}

func TestProxyGo(t *testing.T) {
	client, server := newPair(&codec.BinaryCodec{})
	desc, _ := Describe[Calculator](server.Catalog())
	if _, err := server.RegisterServant(7, desc, &calculator{}); err != nil {
		t.Fatal(err)
	}
	cdesc, _ := Describe[Calculator](client.Catalog())
	stub, _ := client.RegisterProxy(7, cdesc)
	p := stub.(GrainProxy).GrainProxy()

	done := make(chan *Call, 4)
	sums := make([]int, 4)
	for i := range sums {
		p.Go("Add", []any{i, i}, []any{&sums[i]}, done)
	}
	for range sums {
		call := <-done
		if call.Error != nil {
			t.Fatal(call.Error)
		}
	}
	for i, sum := range sums {
		if sum != 2*i {
			t.Errorf("expect %d, got %d", 2*i, sum)
		}
	}
}

func TestMissingServantAndMismatch(t *testing.T) {
	client, server := newPair(&codec.JSONCodec{})
	cdesc, _ := Describe[Calculator](client.Catalog())
	stub, _ := client.RegisterProxy(8, cdesc)

	var noServant *rpcerr.NoSuchServantError
	if _, err := stub.(Calculator).Add(1, 1); !errors.As(err, &noServant) || noServant.ObjectID != 8 {
		t.Fatalf("expect NoSuchServantError for id 8, got %v", err)
	}

	ldesc, _ := Describe[Listener](server.Catalog())
	if _, err := server.RegisterServant(8, ldesc, &recorder{}); err != nil {
		t.Fatal(err)
	}
	var mismatch *rpcerr.TypeMismatchError
	if _, err := stub.(Calculator).Add(1, 1); !errors.As(err, &mismatch) || mismatch.Actual != "grain.Listener" {
		t.Fatalf("expect TypeMismatchError, got %v", err)
	}
}

func TestRegisterServantValidation(t *testing.T) {
	_, server := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](server.Catalog())

	var argErr *rpcerr.ArgumentError
	if _, err := server.RegisterServant(1, desc, calculator{}); !errors.As(err, &argErr) {
		t.Errorf("expect ArgumentError for non-pointer subject, got %v", err)
	}
	if _, err := server.RegisterServant(1, desc, &recorder{}); !errors.As(err, &argErr) {
		t.Errorf("expect ArgumentError for subject not implementing Calculator, got %v", err)
	}
	if _, err := server.RegisterServant(1, desc, &calculator{}); err != nil {
		t.Fatal(err)
	}
	if _, err := server.RegisterServant(1, desc, &calculator{}); !errors.As(err, &argErr) {
		t.Errorf("expect ArgumentError for duplicate id, got %v", err)
	}
	if !server.RemoveServant(1) || server.RemoveServant(1) {
		t.Error("expect RemoveServant to succeed exactly once")
	}
}

func TestGetOrCreateServantUsesIdentity(t *testing.T) {
	_, server := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](server.Catalog())

	a, b := &calculator{value: 1}, &calculator{value: 1}
	sa1, err := server.GetOrCreateServant(desc, a)
	if err != nil {
		t.Fatal(err)
	}
	sa2, _ := server.GetOrCreateServant(desc, a)
	sb, _ := server.GetOrCreateServant(desc, b)

	if sa1 != sa2 {
		t.Error("expect the same servant for the same subject")
	}
	if sa1 == sb || sa1.ID() == sb.ID() {
		t.Error("expect distinct servants for equal but distinct subjects")
	}
	if !RangeOf(RoleServer).Contains(sa1.ID()) {
		t.Errorf("servant id %d outside the server range", sa1.ID())
	}
	if got, _ := server.RetrieveSubject(sb.ID()); got != any(b) {
		t.Error("RetrieveSubject returned a different subject")
	}
	if ids := server.ServantIDs(); !ids.Contains(sa1.ID(), sb.ID()) || ids.Cardinality() != 2 {
		t.Errorf("unexpected servant ids %v", ids)
	}
}

//go:noinline
func dropProxy(r *Registry, id ObjectID, desc *InterfaceDescriptor) error {
	_, err := r.GetOrCreateProxy(id, desc)
	return err
}

func TestUnusedProxiesAreCollected(t *testing.T) {
	client, _ := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](client.Catalog())

	kept, err := client.GetOrCreateProxy(100, desc)
	if err != nil {
		t.Fatal(err)
	}
	if err := dropProxy(client, 101, desc); err != nil {
		t.Fatal(err)
	}
	if client.NumProxies() != 2 {
		t.Fatalf("expect 2 proxies, got %d", client.NumProxies())
	}

	removed := 0
	for i := 0; i < 20 && removed == 0; i++ {
		runtime.GC()
		removed = client.RemoveUnusedProxies()
	}
	if removed != 1 {
		t.Fatalf("expect exactly the dropped proxy to be collected, removed %d", removed)
	}
	if client.NumProxiesCollected() != 1 {
		t.Errorf("expect NumProxiesCollected 1, got %d", client.NumProxiesCollected())
	}

	again, err := client.GetOrCreateProxy(100, desc)
	if err != nil {
		t.Fatal(err)
	}
	if again != kept {
		t.Error("expect the live proxy to be returned again")
	}
	fresh, err := client.GetOrCreateProxy(101, desc)
	if err != nil || fresh == nil {
		t.Fatalf("expect a fresh proxy for a collected id, got %v", err)
	}
	if _, ok := client.Proxy(101); !ok {
		t.Error("expect id 101 to be registered again")
	}
	runtime.KeepAlive(kept)
	runtime.KeepAlive(fresh)
}

func TestRegisterProxyRejectsLiveDuplicate(t *testing.T) {
	client, _ := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](client.Catalog())
	stub, err := client.RegisterProxy(5, desc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.RegisterProxy(5, desc); err == nil {
		t.Fatal("expect error for a second live proxy with the same id")
	}
	ldesc, _ := Describe[Listener](client.Catalog())
	var mismatch *rpcerr.TypeMismatchError
	if _, err := client.GetOrCreateProxy(5, ldesc); !errors.As(err, &mismatch) {
		t.Fatalf("expect TypeMismatchError, got %v", err)
	}
	runtime.KeepAlive(stub)
}

func TestRemoveProxiesInRange(t *testing.T) {
	client, _ := newPair(&codec.JSONCodec{})
	desc, _ := Describe[Calculator](client.Catalog())

	server := RangeOf(RoleServer)
	var stubs []any
	for _, id := range []ObjectID{7, server.Min, server.Min + 1} {
		stub, err := client.RegisterProxy(id, desc)
		if err != nil {
			t.Fatal(err)
		}
		stubs = append(stubs, stub)
	}

	if n := client.RemoveProxiesInRange(server); n != 2 {
		t.Fatalf("expect 2 removed proxies, got %d", n)
	}
	if _, ok := client.Proxy(7); !ok {
		t.Error("expect proxy 7 to survive")
	}
	runtime.KeepAlive(stubs)
}
