package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"grain-rpc/config"
	"grain-rpc/demo"
	"grain-rpc/endpoint"
	"grain-rpc/grain"
	"grain-rpc/logging"
	"grain-rpc/monitor"

	"github.com/pkg/errors"
)

const connectTimeout = 10 * time.Second

func dial(addr, secret string) (*endpoint.Endpoint, error) {
	cfg := config.Default()
	cfg.Name = "grainctl"
	cfg.Role = "client"
	cfg.ConnectAddr = addr
	cfg.Auth.SharedSecret = secret
	cfg.Latency.Enabled = false
	cfg.LogLevel = "warn"

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}
	e, err := endpoint.New(cfg, demo.NewCatalog(), endpoint.WithLogger(logging.ForEndpoint(logger, cfg.Name)))
	if err != nil {
		return nil, err
	}
	if err := e.Connect(addr, connectTimeout); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func call(addr, secret, op string, a, b int) error {
	e, err := dial(addr, secret)
	if err != nil {
		return err
	}
	defer e.Close()

	calc, err := endpoint.CreateProxy[demo.Calculator](e, demo.CalculatorID)
	if err != nil {
		return err
	}

	var result int
	switch op {
	case "value":
		result, err = calc.Value()
	case "add":
		result, err = calc.Add(a, b)
	case "divide":
		result, err = calc.Divide(a, b)
	case "accumulate":
		result, err = calc.Accumulate(a)
	default:
		return errors.Errorf("unknown operation %q", op)
	}
	if err != nil {
		fmt.Printf("%s %v\n", red("error"), err)
		return err
	}
	fmt.Printf("%s %d\n", green(op), result)
	return nil
}

func ping(addr, secret string, n int) error {
	e, err := dial(addr, secret)
	if err != nil {
		return err
	}
	defer e.Close()

	lt, err := endpoint.GetOrCreateProxy[monitor.Latency](e, grain.ServerLatencyID)
	if err != nil {
		return err
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		start := time.Now()
		err := lt.Roundtrip(ctx)
		cancel()
		if err != nil {
			fmt.Printf("%s %v\n", red("failed"), err)
			return err
		}
		rtt := time.Since(start)
		total += rtt
		fmt.Printf("%s seq=%d time=%v\n", cyan(addr), i+1, rtt)
	}
	fmt.Printf("%s %d round trips, mean %v\n", green("done"), n, total/time.Duration(n))
	return nil
}
