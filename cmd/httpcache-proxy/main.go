package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpcache "github.com/ericselin/httpcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFlag  string
	originFlag  string
	hostFlag    string
	listenFlag  string
	dbFlag      string
	debugFlag   bool
	verboseFlag bool
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file (overrides the flags below when set)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Host header to send, if different from the origin's")
	flag.StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	flag.StringVar(&dbFlag, "db", "memory", "SQLite file to persist entries in, or 'memory' for an in-memory store")
	flag.BoolVar(&debugFlag, "debug", false, "Annotate responses with the cache decision debug header")
	flag.BoolVar(&verboseFlag, "vv", false, "Trace-level logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verboseFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(logLevel).
		With().Timestamp().Logger()

	cfg := httpcache.FileConfig{
		Origin: originFlag,
		Host:   hostFlag,
		Listen: listenFlag,
		Store:  dbFlag,
		Debug:  debugFlag,
	}
	if configFlag != "" {
		fileCfg, err := httpcache.LoadFileConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("could not read config file")
		}
		cfg = fileCfg
	}

	if cfg.Origin == "" {
		log.Fatal().Msg("an origin URL is required (-origin or config.origin)")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("could not parse origin URL")
	}

	var store httpcache.CacheStore
	if cfg.Store == "" || cfg.Store == "memory" {
		store = httpcache.NewMemStore()
	} else {
		store = httpcache.NewSQLiteStore(cfg.Store)
	}

	mw := httpcache.New(httpcache.Config{
		Store:           store,
		Debug:           cfg.Debug,
		DebugHeader:     cfg.DebugHeader,
		RefreshInterval: cfg.RefreshInterval,
	})

	origin := reverseProxyHandler(originURL, cfg.Host, cfg.DefaultMaxAge)
	handler := mw.Middleware(origin)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Str("origin", cfg.Origin).Msg("starting httpcache-proxy")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown did not complete cleanly")
	}
	if err := mw.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("cache shutdown did not drain in time")
	}
}

// reverseProxyHandler builds the "next handler" the cache wraps: a thin
// client that performs the origin round trip, rewriting scheme/host the
// way always-cache.go's createDirector does, and applying defaultMaxAge
// to any response the origin sends with neither Cache-Control nor Expires.
func reverseProxyHandler(origin *url.URL, hostHeader string, defaultMaxAge time.Duration) http.Handler {
	client := &http.Client{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream := *r.URL
		upstream.Scheme = origin.Scheme
		upstream.Host = origin.Host

		req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.String(), r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		copyHeader(req.Header, r.Header)
		if hostHeader != "" {
			req.Host = hostHeader
		}

		res, err := client.Do(req)
		if err != nil {
			log.Error().Err(err).Str("url", upstream.String()).Msg("origin request failed")
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer res.Body.Close()

		if defaultMaxAge > 0 && res.Header.Get("Cache-Control") == "" && res.Header.Get("Expires") == "" {
			res.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", int(defaultMaxAge.Seconds())))
		}

		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		_, _ = io.Copy(w, res.Body)
	})
}

// copyHeader copies headers, dropping the ones an upstream proxy would
// otherwise choke on receiving back from itself.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
