// Shares directories over HTTP the way Gnutella peers request files, and downloads magnet links.
//
// Example run:
// $ go run ./cmd/gnutellad --share ~/music --addr :6346 'magnet:?xt=urn:sha1:PLSTHIPQGSSZTS5FJUPAKUZWUGYQYPFB&xs=1.2.3.4:6346'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anacrolix/gnutella"
	"github.com/anacrolix/gnutella/download"
)

var flags = struct {
	gnutella.Config
	Addr           string        `help:"address to serve uploads and metrics on"`
	Share          []string      `arg:"separate" help:"directory to share"`
	StatusInterval time.Duration `help:"how often to print transfer status, 0 to disable"`
	Magnet         []string      `arg:"positional" help:"magnet links to download"`
}{
	Config:         *gnutella.NewDefaultConfig(),
	Addr:           ":6346",
	StatusInterval: 10 * time.Second,
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	arg.MustParse(&flags)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	cfg := flags.Config
	cfg.Registerer = reg
	c, err := gnutella.NewCore(&cfg)
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}
	defer c.Close()

	for _, dir := range flags.Share {
		n, err := c.ShareDir(dir)
		if err != nil {
			return fmt.Errorf("sharing %q: %w", dir, err)
		}
		log.Printf("shared %v files from %q", n, dir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := c.RestoreDownloads(ctx); err != nil {
		log.Printf("error restoring downloads: %v", err)
	}
	for _, uri := range flags.Magnet {
		if err := addMagnet(c, uri); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/uri-res/", c.UploadHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := c.NewHTTPServer(flags.Addr, mux)
	go func() {
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("error serving: %v", err)
			stop()
		}
	}()
	defer srv.Shutdown(context.Background())

	if flags.StatusInterval > 0 {
		go printStatus(ctx, c)
	}
	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func addMagnet(c *gnutella.Core, uri string) error {
	m, err := download.ParseMagnetURI(uri)
	if err != nil {
		return fmt.Errorf("parsing magnet %q: %w", uri, err)
	}
	d, err := c.Downloads.DownloadMagnet(m, "", "", false)
	var sle *download.SaveLocationError
	if errors.As(err, &sle) && sle.Kind == download.AlreadyDownloading {
		log.Printf("already downloading %q", m.FileNameForSaving())
		return nil
	}
	if err != nil {
		return fmt.Errorf("adding magnet %q: %w", uri, err)
	}
	log.Printf("added %v", d)
	return nil
}

func printStatus(ctx context.Context, c *gnutella.Core) {
	t := time.NewTicker(flags.StatusInterval)
	defer t.Stop()
	var lastLine string
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		line := c.Status()
		if line != lastLine {
			lastLine = line
			fmt.Println(line)
		}
	}
}
