package main

import (
	"os"
	"time"

	"github.com/chrisvdg/staticserver/resolver"
	"github.com/chrisvdg/staticserver/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	pflag.StringP("root", "r", ".", "Directory to serve, may also be given as the first argument")
	pflag.IntP("port", "p", 8080, "http listen port")
	pflag.StringP("bind", "b", "127.0.0.1", "http bind address")
	pflag.StringSlice("index", resolver.DefaultIndexFiles, "Index file names tried in order for directories")
	configFile := pflag.StringP("config", "c", "", "Config file (yaml, toml or json)")
	pflag.Int("max-conns", 1024, "Maximum concurrent connections, 0 disables the ceiling")
	pflag.String("overload", server.OverloadQueue, "Policy over the ceiling: queue or reject")
	pflag.Duration("queue-timeout", time.Second, "Time a queued connection waits for a slot before it is rejected")
	pflag.Duration("idle-timeout", 60*time.Second, "Idle keep-alive connection timeout")
	pflag.Duration("read-header-timeout", 10*time.Second, "Time allowed to read request headers")
	pflag.Duration("grace", 10*time.Second, "Grace period for open connections on shutdown")
	pflag.Int64("cache-size", 10000, "Maximum number of cached file entries")
	pflag.Duration("revalidate", 2*time.Second, "Time a cached entry is trusted before the file is checked again")
	pflag.Bool("watch", false, "Invalidate cached entries on filesystem events")
	pflag.Bool("listing", false, "List directories without an index file")
	pflag.Bool("follow-symlinks", false, "Serve symlinks pointing outside of the root")
	pflag.String("not-found-page", "404.html", "Page below the root served as 404 body, empty disables")
	pflag.String("cors", "*", "Access-Control-Allow-Origin value, empty disables")
	pflag.Int("max-age", 3600, "Cache-Control max-age in seconds, negative disables")
	pflag.Float64("rate-limit", 0, "Requests per second, 0 disables limiting")
	pflag.Int("rate-burst", 0, "Request burst above the rate limit")
	pflag.BoolP("open", "o", false, "Open the served address in the default browser")
	pflag.String("metrics-addr", "", "Prometheus metrics listen address, empty disables")
	pflag.String("log-level", "info", "Log level: debug, info, warn or error")
	pflag.String("log-format", "text", "Log format: text or json")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose output")
	pflag.Parse()

	if pflag.NArg() > 0 && !pflag.CommandLine.Changed("root") {
		err := pflag.Set("root", pflag.Arg(0))
		if err != nil {
			log.Fatal(err)
		}
	}

	c, err := server.LoadConfig(*configFile, pflag.CommandLine)
	if err != nil {
		log.Fatal(err)
	}
	if *verbose {
		c.LogLevel = "debug"
	}
	setupLogging(c)

	s, err := server.New(c)
	if err != nil {
		log.Fatal(err)
	}

	err = s.Listen()
	if err != nil {
		log.Fatal(err)
	}
	if c.Open {
		go func() {
			err := s.OpenBrowser()
			if err != nil {
				log.Warn(err)
			}
		}()
	}

	coord := server.NewCoordinator()
	err = s.Serve(coord.Done())
	coord.Stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func setupLogging(c *server.Config) {
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warnf("invalid log level %q, using info", c.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
