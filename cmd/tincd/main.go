package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

func tincdMain(serverChan chan<- *server) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setLogLevel(cfg.DebugLevel)

	interrupt := interruptListener()
	defer tincdLog.Infof("Shutdown complete")
	if interruptRequested(interrupt) {
		return nil
	}

	srv, err := newServer(cfg)
	if err != nil {
		tincdLog.Errorf("Failed to start server: %v", err)
		return err
	}
	defer func() {
		tincdLog.Infof("Gracefully shutting down the server...")
		srv.Stop()
		srv.WaitForShutdown()
	}()

	srv.Start()
	if serverChan != nil {
		serverChan <- srv
	}

	<-interrupt
	return nil
}

// interruptListener returns a channel closed when SIGINT or SIGTERM is
// received.  A second signal while shutting down exits immediately.
func interruptListener() <-chan struct{} {
	c := make(chan struct{})
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

		sig := <-signals
		tincdLog.Infof("Received signal (%s), shutting down...", sig)
		close(c)

		for sig := range signals {
			tincdLog.Infof("Received signal (%s), already shutting down...", sig)
		}
	}()
	return c
}

// interruptRequested reports whether the interrupt channel has been
// closed.
func interruptRequested(interrupted <-chan struct{}) bool {
	select {
	case <-interrupted:
		return true
	default:
	}
	return false
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := tincdMain(nil); err != nil {
		fmt.Printf("Failed to start tincd: %v\n", err)
		os.Exit(1)
	}
}
