package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grain-rpc/config"
	"grain-rpc/demo"
	"grain-rpc/endpoint"
	"grain-rpc/logging"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

func serve(configPath, statsPath string, interval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Role != "server" {
		return errors.Errorf("%s configures a %s endpoint, serve needs a server", configPath, cfg.Role)
	}
	if cfg.ListenAddr == "" {
		return errors.Errorf("%s has no ListenAddr", configPath)
	}

	fl := flock.New(configPath)
	if locked, _ := fl.TryLock(); !locked {
		return errors.New("Unable to lock the config file," +
			" make sure there isn't another instance running.")
	}
	defer func() {
		_ = fl.Unlock()
	}()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	log := logging.ForEndpoint(logger, cfg.Name)

	e, err := endpoint.New(cfg, demo.NewCatalog(), endpoint.WithLogger(log))
	if err != nil {
		return err
	}
	if err := endpoint.CreateServant[demo.Calculator](e, demo.CalculatorID, demo.NewCalculator(0)); err != nil {
		_ = e.Close()
		return err
	}
	e.OnConnected(func(id uint64) {
		fmt.Printf("%s connection %d from %v\n", green("connected"), id, e.RemoteAddr())
	})
	e.OnDisconnected(func(reason endpoint.DisconnectReason) {
		fmt.Printf("%s %s\n", yellow("disconnected"), reason)
	})
	if err := e.Bind("tcp", cfg.ListenAddr); err != nil {
		_ = e.Close()
		return err
	}
	fmt.Printf("%s on %s, calculator at id %d\n", cyan("serving"), e.LocalAddr(), demo.CalculatorID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var tick <-chan time.Time
	if statsPath != "" {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			if err := writeStats(statsPath, e.Stats()); err != nil {
				log.WithError(err).Warn("cannot write statistics")
			}
		case sig := <-sigs:
			log.WithField("signal", sig.String()).Info("shutting down")
			err := e.Shutdown(shutdownTimeout)
			if statsPath != "" {
				if werr := writeStats(statsPath, e.Stats()); werr != nil {
					log.WithError(werr).Warn("cannot write statistics")
				}
			}
			return err
		}
	}
}

// writeStats replaces path in one step so readers never see half a file.
func writeStats(path string, s endpoint.Stats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode statistics")
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
