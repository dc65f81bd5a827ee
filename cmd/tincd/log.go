package main

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/NHellFire/tinc/addrmgr"
	"github.com/NHellFire/tinc/connmgr"
	"github.com/NHellFire/tinc/socket"
)

var (
	backendLog = btclog.NewBackend(os.Stdout)

	tincdLog = backendLog.Logger("TINC")
	sockLog  = backendLog.Logger("SOCK")
	addrLog  = backendLog.Logger("ADDR")
	connLog  = backendLog.Logger("CONN")
)

func init() {
	socket.UseLogger(sockLog)
	addrmgr.UseLogger(addrLog)
	connmgr.UseLogger(connLog)
}

// setLogLevel applies the level to every subsystem logger.  An
// unknown level name keeps the default.
func setLogLevel(levelName string) {
	level, ok := btclog.LevelFromString(levelName)
	if !ok {
		tincdLog.Warnf("Unknown log level %q, using info", levelName)
		level = btclog.LevelInfo
	}
	for _, logger := range []btclog.Logger{tincdLog, sockLog, addrLog, connLog} {
		logger.SetLevel(level)
	}
}
