// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command korudeps inspects dependency records written next to assets and
// prints the change notifications of a directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/dep"
	"github.com/devblok/koru/dispatch"
	"github.com/devblok/koru/watch"
)

type cli struct {
	Extension string `help:"Extension of dependency records" default:"${default_extension}" env:"KORU_SIDECAR_EXTENSION"`
	Verbose   bool   `help:"Log at debug level" short:"v"`

	Show  showCmd  `cmd:"" help:"Print the dependency record of an asset"`
	Stale staleCmd `cmd:"" help:"Report whether an asset needs reloading, exits 1 when stale"`
	Watch watchCmd `cmd:"" help:"Print change notifications of a directory until interrupted"`
}

type showCmd struct {
	Asset string `arg:"" help:"Asset path" type:"path"`
}

func (c *showCmd) Run(params *cli) error {
	tracker := dep.New(c.Asset, dep.WithExtension(params.Extension))
	set, err := dep.ReadSidecar(tracker.SidecarPath())
	if err != nil {
		return err
	}
	fmt.Printf("primary:   %s\n", set.Primary)
	fmt.Printf("last load: %s\n", set.LastLoad.Format(time.RFC3339Nano))
	for _, dependency := range set.Dependencies {
		fmt.Printf("  %s\n", dependency)
	}
	return nil
}

type staleCmd struct {
	Asset string `arg:"" help:"Asset path" type:"path"`
}

func (c *staleCmd) Run(params *cli) error {
	tracker := dep.New(c.Asset, dep.WithExtension(params.Extension))
	if !tracker.Load() {
		fmt.Println("stale: no dependency record")
		os.Exit(1)
	}
	if tracker.IsStale() {
		fmt.Println("stale")
		os.Exit(1)
	}
	fmt.Println("fresh")
	return nil
}

type watchCmd struct {
	Dir          string        `arg:"" help:"Directory to watch" type:"existingdir"`
	NoRecursive  bool          `help:"Watch only the top directory"`
	PollInterval time.Duration `help:"Delay between dispatcher polls" default:"100ms"`
	Capacity     int           `help:"Pending changes before the root overflows" default:"512"`
}

func (c *watchCmd) Run(params *cli) error {
	watcher, err := watch.New(watch.Options{
		Capacity: c.Capacity,
		Ignore:   []string{"*" + params.Extension},
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.AddRoot(c.Dir, !c.NoRecursive); err != nil {
		return err
	}

	dispatcher := dispatch.New(watcher, dispatch.Options{Interval: c.PollInterval})
	dispatcher.Subscribe(func(n dispatch.Notification) {
		fmt.Printf("%-12s %s\n", n.Action, n.Path)
	})
	if params.Verbose {
		dispatcher.Subscribe(dispatch.LogEvents(log.StandardLogger()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.WithField("root", c.Dir).Info("Watching, interrupt to stop")
	if err := dispatcher.Serve(ctx); err != nil {
		return err
	}
	log.WithField("pending", watcher.Pending()).Info("Stopped watching")
	return nil
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name("korudeps"),
		kong.Description("Dependency record tool for hot reloaded assets"),
		kong.Vars{"default_extension": core.DefaultSidecarExtension},
	)
	if params.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	ctx.FatalIfErrorf(ctx.Run(&params))
}
