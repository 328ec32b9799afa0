// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"github.com/surfswift213us/BitcoinArmory/p2p"
)

type options struct {
	Host      string `long:"host" description:"bitcoin node host" default:"127.0.0.1"`
	Port      string `long:"port" description:"bitcoin node port" default:"8333"`
	Testnet   bool   `long:"testnet" description:"use testnet magic"`
	Regtest   bool   `long:"regtest" description:"use regtest magic"`
	UserAgent string `long:"useragent" description:"user agent advertised to the node" default:"Armory:0.95"`
	Debug     bool   `long:"debug" description:"log wire level detail"`
}

func init() {
	// Output to stdout instead of the default stderr
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	if opts.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := p2p.DefaultConfig(opts.Host, opts.Port)
	cfg.UserAgent = opts.UserAgent

	switch {
	case opts.Testnet:
		cfg.MagicWord = p2p.TestnetMagic
	case opts.Regtest:
		cfg.MagicWord = p2p.RegtestMagic
	}

	client := p2p.New(cfg)

	// Block-inv subscriptions are drained per delivery, so the logger
	// re-registers itself until shutdown hands it a terminate entry.
	var onBlockInv func(entries []p2p.InvEntry)
	onBlockInv = func(entries []p2p.InvEntry) {
		for _, entry := range entries {
			if entry.Type == p2p.InvTerminate {
				return
			}
			logrus.Infof("block announced: %s", entry.Hash)
		}
		client.RegisterInvBlockFunc(onBlockInv)
	}
	client.RegisterInvBlockFunc(onBlockInv)

	client.SetInvTxFunc(func(entries []p2p.InvEntry) {
		for _, entry := range entries {
			logrus.Debugf("tx announced: %s", entry.Hash)
		}
	})

	logrus.Infof("connecting to %s:%s", opts.Host, opts.Port)
	if err := client.Connect(false); err != nil {
		logrus.Fatalf("connect: %v", err)
	}
	logrus.Infof("handshake complete, peer witness support: %v",
		client.PeerUsesWitness())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	client.Shutdown()
}
