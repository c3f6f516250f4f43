// Package demo is a small grain served by grainctl and used by the endpoint tests.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grain-rpc/dispatch"
	"grain-rpc/grain"
)

// CalculatorID is the well-known id the demo server exposes its calculator under.
const CalculatorID grain.ObjectID = 7

type Calculator interface {
	Value() (int, error)
	Add(a, b int) (int, error)
	Divide(a, b int) (int, error)
	// Accumulate adds n to the stored value and notifies the observers.
	Accumulate(n int) (int, error)
	Subscribe(o Observer) error
	Sleep(ctx context.Context, d time.Duration) error
}

// Observer lives with the caller and is passed to the calculator by reference.
type Observer interface {
	Observe(value int) error
}

// DivisionError travels by value: the caller gets back a *DivisionError.
type DivisionError struct {
	Dividend int
}

func (e *DivisionError) Error() string {
	return fmt.Sprintf("cannot divide %d by zero", e.Dividend)
}

type calculator struct {
	mu        sync.Mutex
	value     int
	observers []Observer
}

func NewCalculator(initial int) Calculator {
	return &calculator{value: initial}
}

func (c *calculator) Value() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *calculator) Add(a, b int) (int, error) {
	return a + b, nil
}

func (c *calculator) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, &DivisionError{Dividend: a}
	}
	return a / b, nil
}

func (c *calculator) Accumulate(n int) (int, error) {
	c.mu.Lock()
	c.value += n
	v := c.value
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	for _, o := range observers {
		// an observer that went away does not fail the accumulation
		_ = o.Observe(v)
	}
	return v, nil
}

func (c *calculator) Subscribe(o Observer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
	return nil
}

func (c *calculator) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type calculatorProxy struct{ p *grain.Proxy }

func (c *calculatorProxy) GrainProxy() *grain.Proxy { return c.p }

func (c *calculatorProxy) Value() (int, error) {
	var v int
	err := c.p.Invoke(context.Background(), "Value", nil, &v)
	return v, err
}

func (c *calculatorProxy) Add(a, b int) (int, error) {
	var sum int
	err := c.p.Invoke(context.Background(), "Add", []any{a, b}, &sum)
	return sum, err
}

func (c *calculatorProxy) Divide(a, b int) (int, error) {
	var q int
	err := c.p.Invoke(context.Background(), "Divide", []any{a, b}, &q)
	return q, err
}

func (c *calculatorProxy) Accumulate(n int) (int, error) {
	var v int
	err := c.p.Invoke(context.Background(), "Accumulate", []any{n}, &v)
	return v, err
}

func (c *calculatorProxy) Subscribe(o Observer) error {
	return c.p.Invoke(context.Background(), "Subscribe", []any{o})
}

func (c *calculatorProxy) Sleep(ctx context.Context, d time.Duration) error {
	return c.p.Invoke(ctx, "Sleep", []any{d})
}

type observerProxy struct{ p *grain.Proxy }

func (o *observerProxy) GrainProxy() *grain.Proxy { return o.p }

func (o *observerProxy) Observe(value int) error {
	return o.p.Invoke(context.Background(), "Observe", []any{value})
}

// Register adds the demo grains to c. Accumulate runs one call at a time per calculator.
func Register(c *grain.Catalog) error {
	if _, err := grain.Register(c, func(p *grain.Proxy) Calculator { return &calculatorProxy{p} },
		grain.WithDispatch("Accumulate", dispatch.PerObject)); err != nil {
		return err
	}
	if _, err := grain.Register(c, func(p *grain.Proxy) Observer { return &observerProxy{p} }, grain.ByReference()); err != nil {
		return err
	}
	c.RegisterError(&DivisionError{})
	return nil
}

// NewCatalog returns a catalog holding the demo grains.
func NewCatalog() *grain.Catalog {
	c := grain.NewCatalog()
	if err := Register(c); err != nil {
		panic(err)
	}
	return c
}
