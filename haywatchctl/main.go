package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/j2inn/haywatch"
)

const HayWatchCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Haywatch control.

Usage:
    haywatchctl watch --api_url=<api_url> [--token=<token>]
        [--poll_rate=<seconds>]
        [--hints_url=<hints_url>]
        <id>...
    haywatchctl get --api_url=<api_url> [--token=<token>] <id>...
    haywatchctl defs --api_url=<api_url> [--token=<token>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>        Record server api url.
    --token=<token>            Bearer token.
    --poll_rate=<seconds>      Desired poll rate in seconds.
    --hints_url=<hints_url>    Websocket hint endpoint.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], HayWatchCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if defs_, _ := opts.Bool("defs"); defs_ {
		defs(opts)
	}
}

func newApi(ctx context.Context, opts docopt.Opts) *haywatch.RecordApi {
	apiUrl, _ := opts.String("--api_url")

	fetch := haywatch.NewTokenFetchWithDefaults().Fetch
	if token, err := opts.String("--token"); err == nil && token != "" {
		authenticator := haywatch.NewBearerAuthenticator(token, nil)
		if authenticator.Expired() {
			Err.Fatalf("The bearer token is expired.")
		}
		fetch = haywatch.NewAuthFetch(fetch, authenticator, 0).Fetch
	}

	return haywatch.NewRecordApiWithContext(ctx, apiUrl, fetch)
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := opts["<id>"].([]string)

	api := newApi(ctx, opts)
	defer api.Close()

	service := haywatch.NewWatchServiceWithDefaults(ctx, api, "haywatchctl")
	defer service.Close(ctx)

	watch, err := service.Watch(ctx, "haywatchctl watch", ids)
	if err != nil {
		Err.Fatalf("Could not open watch: %s", err)
	}
	defer watch.Close(ctx)

	for _, id := range watch.Ids() {
		if dict, ok := watch.Get(id); ok {
			Out.Printf("%s %v", id, dict)
		}
	}

	if pollRateStr, err := opts.String("--poll_rate"); err == nil && pollRateStr != "" {
		pollRate, err := strconv.ParseFloat(pollRateStr, 64)
		if err != nil {
			Err.Fatalf("Bad poll rate %q: %s", pollRateStr, err)
		}
		watch.SetPollRate(time.Duration(pollRate * float64(time.Second)))
	}

	unsub := watch.AddChangedCallback(func(event *haywatch.WatchChangedEvent) {
		for id, diff := range event.Changed {
			if dict, ok := watch.Get(id); ok {
				Out.Printf("%s changed +%v -%v ~%d now %v", id, diff.Added, diff.Removed, len(diff.Changed), dict)
			}
		}
	})
	defer unsub()

	if hintsUrl, err := opts.String("--hints_url"); err == nil && hintsUrl != "" {
		hints := haywatch.NewHintSocketWithDefaults(ctx, hintsUrl, func() {
			if err := service.Nudge(ctx); err != nil {
				Err.Printf("Poll after hint failed: %s", err)
			}
		})
		defer hints.Close()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func get(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := opts["<id>"].([]string)

	api := newApi(ctx, opts)
	defer api.Close()

	records, err := api.ReadByIdsSync(ids, nil)
	if err != nil {
		Err.Fatalf("Read failed: %s", err)
	}
	for _, record := range records {
		Out.Printf("%s %v", record.Id(), record)
	}
}

func defs(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(ctx, opts)
	defer api.Close()

	defs, err := api.LoadDefs(ctx)
	if err != nil {
		Err.Fatalf("Defs failed: %s", err)
	}
	Out.Printf("%d defs", len(defs))
	for _, def := range defs {
		Out.Printf("%s", def.Dis())
	}
}
