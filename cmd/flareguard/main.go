package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"flareguard/internal/app"
)

func main() {
	var (
		cfgPath  string
		testSend bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml); env vars override")
	flag.BoolVar(&testSend, "test", false, "send a test message over all channels and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if testSend {
		tctx, tcancel := context.WithTimeout(ctx, time.Minute)
		defer tcancel()
		if err := a.SendTest(tctx); err != nil {
			fmt.Println("test failed:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
