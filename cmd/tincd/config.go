package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/NHellFire/tinc/conf"
	"github.com/NHellFire/tinc/socket"
)

const (
	defaultConfName    = "tinc.conf"
	defaultMaxTimeout  = 900
	defaultDialTimeout = 30 * time.Second
)

type config struct {
	ConfDir    string
	DebugLevel string

	// Name is the local node's name.
	Name string

	tree *conf.Tree
}

func loadConfig() (*config, error) {
	cfg := &config{}
	flag.StringVar(&cfg.ConfDir, "config", "/etc/tinc", "configuration directory")
	flag.StringVar(&cfg.DebugLevel, "debug", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	tree, err := readTree(filepath.Join(cfg.ConfDir, defaultConfName))
	if err != nil {
		return nil, err
	}
	cfg.tree = tree

	name, ok := tree.Get("Name")
	if !ok {
		return nil, fmt.Errorf("no Name configured in %s", defaultConfName)
	}
	if !conf.CheckID(name) {
		return nil, fmt.Errorf("invalid Name %q", name)
	}
	cfg.Name = name

	return cfg, nil
}

// readTree parses a configuration file into a tree.  Lines are
// "Variable = value" or "Variable value"; '#' starts a comment.
func readTree(path string) (*conf.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tree := conf.NewTree()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var key, value string
		if i := strings.IndexByte(line, '='); i >= 0 {
			key = strings.TrimSpace(line[:i])
			value = strings.TrimSpace(line[i+1:])
		} else if i := strings.IndexAny(line, " \t"); i >= 0 {
			key = line[:i]
			value = strings.TrimSpace(line[i+1:])
		} else {
			key = line
		}
		if key == "" {
			continue
		}
		tree.Add(key, value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tree, nil
}

// peerConfig loads the host configuration file for a peer name.
func (cfg *config) peerConfig(name string) (*conf.Tree, error) {
	return readTree(filepath.Join(cfg.ConfDir, "hosts", name))
}

// socketOptions builds the socket factory options from the tree.
func (cfg *config) socketOptions() socket.Options {
	opts := socket.Options{}
	opts.BindInterface, _ = cfg.tree.Get("BindToInterface")
	opts.BindAddress, _ = cfg.tree.Get("BindToAddress")
	opts.PMTUDiscovery = cfg.boolOption("PMTUDiscovery", true)
	opts.UDPRcvBuf = cfg.intOption("UDPRcvBuf", 0)
	opts.UDPSndBuf = cfg.intOption("UDPSndBuf", 0)

	switch fam, _ := cfg.tree.Get("AddressFamily"); strings.ToLower(fam) {
	case "ipv4":
		opts.Family = socket.FamilyIPv4
	case "ipv6":
		opts.Family = socket.FamilyIPv6
	}
	return opts
}

// listenAddrs returns the local addresses to listen on, one per
// BindToAddress entry, or a single wildcard when none is configured.
// The configured Port applies to entries without their own port.
func (cfg *config) listenAddrs() []string {
	port, ok := cfg.tree.Get("Port")
	if !ok || port == "" {
		port = "655"
	}

	binds := cfg.tree.Values("BindToAddress")
	if len(binds) == 0 {
		return []string{net.JoinHostPort("", port)}
	}

	addrs := make([]string, 0, len(binds))
	for _, bind := range binds {
		host := bind
		p := port
		if i := strings.IndexAny(bind, " \t"); i >= 0 {
			host = bind[:i]
			p = strings.TrimSpace(bind[i+1:])
		}
		addrs = append(addrs, net.JoinHostPort(host, p))
	}
	return addrs
}

func (cfg *config) boolOption(key string, def bool) bool {
	v, ok := cfg.tree.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "true", "on", "1":
		return true
	case "no", "false", "off", "0":
		return false
	}
	return def
}

func (cfg *config) intOption(key string, def int) int {
	v, ok := cfg.tree.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
