package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/tapestore/config"
	"github.com/ndlib/tapestore/server"
	"github.com/ndlib/tapestore/stored"
	"github.com/ndlib/tapestore/util"
)

func main() {
	var (
		configFile = flag.String("c", "/etc/tapestore/stored.toml", "location of the configuration file")
		checkOnly  = flag.Bool("t", false, "check the configuration file and exit")
		pprofPort  = flag.String("pprof", "", "serve pprof on this port, overriding the configuration")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Printf("%s: %d devices, %d autochangers, %d pools\n",
			*configFile, len(cfg.Device), len(cfg.Autochanger), len(cfg.Pool))
		return
	}
	if *pprofPort != "" {
		cfg.Storage.PProfPort = *pprofPort
	}
	if cfg.Storage.SentryDSN != "" {
		raven.SetDSN(cfg.Storage.SentryDSN)
	}
	if cfg.Storage.WorkingDir != "" {
		if err := os.Chdir(cfg.Storage.WorkingDir); err != nil {
			log.Fatalln(err)
		}
	}

	log.Printf("Starting storage daemon %s", cfg.Storage.Name)
	cat, err := stored.OpenCatalog(context.Background(), cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer cat.Close()

	reg, err := stored.NewRegistryFromConfig(cfg, cat, util.NewExpvarStats("stored"))
	if err != nil {
		log.Fatalln(err)
	}

	s := &server.AdminServer{
		PortNumber: cfg.Storage.AdminPort,
		PProfPort:  cfg.Storage.PProfPort,
		Registry:   reg,
		Catalog:    cat,
	}
	if cfg.Storage.TokenFile != "" {
		log.Println("Using user token file", cfg.Storage.TokenFile)
		s.Validator, err = server.NewListDecoderFile(cfg.Storage.TokenFile)
		if err != nil {
			log.Fatalln(err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received signal, stopping")
		reg.Shutdown()
		s.Stop()
	}()

	if err := s.Run(); err != nil {
		log.Println(err)
	}
}
