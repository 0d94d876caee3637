package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	log2 "krypt.co/piperpc/common/log"
	"krypt.co/piperpc/common/shm"
	"krypt.co/piperpc/common/socket"
	"krypt.co/piperpc/common/version"
	"krypt.co/piperpc/daemon/diagnostics"
	"krypt.co/piperpc/server"
)

func useSyslog() bool {
	env := os.Getenv("PIPERPC_LOG_SYSLOG")
	if env != "" {
		return env == "true"
	}
	return false
}

var log = log2.SetupLogging("piped", logging.INFO, useSyslog())

func serve(c *cli.Context) (err error) {
	opts := server.DefaultOptions()
	opts.PoolSize = c.Int("pool-size")
	opts.CurrentUserOnly = c.Bool("current-user-only")
	opts.SecurityDescriptor = c.String("sddl")
	opts.Log = log

	name := c.String("name")
	srv := server.NewServer(name, opts)
	diagnostics.RegisterDiagnosticsServer(srv, diagnostics.NewService(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c.Bool("shm") {
		go func() {
			err := srv.ServeSharedMemory(ctx, name, c.Int("shm-capacity"))
			if err != nil && err != context.Canceled && err != server.ErrServerKilled {
				log.Error("shared memory return:", err)
			}
		}()
		log.Notice("piped", version.CURRENT_VERSION, "serving shared memory segment", name)
	} else {
		if err = srv.Start(); err != nil {
			return
		}
		go func() {
			if err := srv.Wait(); err != nil {
				log.Error("server return:", err)
			}
		}()
		log.Notice("piped", version.CURRENT_VERSION, "launched and listening on", name)
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig, ok := <-stopSignal
	cancel()
	srv.Kill()
	if ok {
		log.Notice("stopping with signal", sig)
	}
	return
}

func main() {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			panic(x)
		}
	}()

	app := cli.NewApp()
	app.Name = "piped"
	app.Usage = "serve piperpc diagnostics over a local pipe"
	app.Version = version.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "name, n",
			Value: socket.DefaultName,
			Usage: "Channel name to listen on",
		},
		cli.IntFlag{
			Name:  "pool-size",
			Value: server.DefaultPoolSize,
			Usage: "Number of pooled pipe instances and accept loops",
		},
		cli.BoolFlag{
			Name:  "current-user-only",
			Usage: "Only accept clients running as the current user",
		},
		cli.StringFlag{
			Name:  "sddl",
			Usage: "Security descriptor for the pipe (Windows)",
		},
		cli.BoolFlag{
			Name:  "shm",
			Usage: "Serve over a shared memory segment instead of a pipe",
		},
		cli.IntFlag{
			Name:  "shm-capacity",
			Value: shm.DefaultCapacity,
			Usage: "Largest frame in bytes a shared memory segment holds",
		},
	}
	app.Action = serve
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
