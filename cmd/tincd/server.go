package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/NHellFire/tinc/addrmgr"
	"github.com/NHellFire/tinc/connmgr"
	"github.com/NHellFire/tinc/socket"
)

type server struct {
	cfg *config

	sockets  *socket.Factory
	registry *connmgr.Registry
	connMgr  *connmgr.Manager

	wg   sync.WaitGroup
	quit chan struct{}
}

// localParams builds the local node's connection parameter template
// from its own host configuration file.
func localParams(cfg *config) connmgr.Params {
	params := connmgr.Params{
		Cipher:      "blowfish",
		Digest:      "sha1",
		MACLength:   4,
		Compression: 0,
	}
	tree, err := cfg.peerConfig(cfg.Name)
	if err != nil {
		return params
	}
	if v, ok := tree.Get("Cipher"); ok {
		params.Cipher = v
	}
	if v, ok := tree.Get("Digest"); ok {
		params.Digest = v
	}
	own := &config{tree: tree}
	params.MACLength = own.intOption("MACLength", params.MACLength)
	params.Compression = own.intOption("Compression", params.Compression)
	return params
}

// initListeners opens one control/data socket pair per configured
// local address.  A pair that cannot be opened is logged and skipped;
// at least one must succeed.
func initListeners(factory *socket.Factory, addrs []string) ([]*socket.ListenPair, error) {
	pairs := make([]*socket.ListenPair, 0, len(addrs))
	for _, addr := range addrs {
		pair, err := factory.ListenPair(context.Background(), addr)
		if err != nil {
			tincdLog.Errorf("Can't listen on %s: %v", addr, err)
			continue
		}
		pairs = append(pairs, pair)
	}
	if len(pairs) == 0 {
		return nil, errors.New("unable to create any listen socket")
	}
	return pairs, nil
}

func newServer(cfg *config) (*server, error) {
	factory := socket.NewFactory(cfg.socketOptions(), nil)

	pairs, err := initListeners(factory, cfg.listenAddrs())
	if err != nil {
		return nil, err
	}

	registry := connmgr.NewRegistry()
	registry.SetListeners(pairs)

	s := &server{
		cfg:      cfg,
		sockets:  factory,
		registry: registry,
		quit:     make(chan struct{}),
	}

	mgrCfg := &connmgr.Config{
		Registry:    registry,
		Sockets:     factory,
		Params:      localParams(cfg),
		PeerConfig:  cfg.peerConfig,
		StartWorker: s.startWorker,
		MaxTimeout:  cfg.intOption("MaxTimeout", defaultMaxTimeout),
		DialTimeout: defaultDialTimeout,
	}
	if cfg.boolOption("Hostnames", false) {
		labels := addrmgr.NewLabelCache(nil)
		mgrCfg.Labels = labels.Label
	}

	mgr, err := connmgr.New(mgrCfg)
	if err != nil {
		for _, pair := range pairs {
			pair.Close()
		}
		return nil, err
	}
	s.connMgr = mgr

	return s, nil
}

// startWorker launches the meta-connection handler for a record.  The
// meta-protocol itself lives above this layer; the transport worker
// keeps the connection drained and reports when the peer goes away.
func (s *server) startWorker(c *connmgr.Connection) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := io.Copy(io.Discard, c.Conn())
		if err != nil {
			tincdLog.Debugf("Connection with %s closed: %v", c, err)
		}
		select {
		case <-s.quit:
			return
		default:
		}
		s.connMgr.ConnectionClosed(c)
	}()
	return nil
}

func (s *server) Start() {
	s.connMgr.Start()
	s.connMgr.ConnectTo(s.cfg.tree.Values("ConnectTo"))
}

func (s *server) Stop() {
	close(s.quit)
	s.connMgr.Stop()
	s.registry.ForEach(func(c *connmgr.Connection) {
		c.Close()
	})
}

func (s *server) WaitForShutdown() {
	s.connMgr.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		tincdLog.Warnf("Timed out waiting for connection workers")
	}
}
