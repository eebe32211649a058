package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/stacksampler/internal/calltree"
	"github.com/getsentry/stacksampler/internal/config"
	"github.com/getsentry/stacksampler/internal/httputil"
	"github.com/getsentry/stacksampler/internal/logutil"
	"github.com/getsentry/stacksampler/internal/storageprovider"
	"github.com/getsentry/stacksampler/internal/storageutil"
)

type (
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	environment struct {
		config config.Config

		// pipeline and trimStem are the defaults of the tree routes. Query
		// parameters override them per request.
		pipeline calltree.Options
		trimStem bool

		storage       storageutil.ObjectHandler
		storageCloser io.Closer

		treesWriter messageWriter
	}
)

var release string

func newEnvironment(ctx context.Context, cfg config.Config) (*environment, error) {
	e := environment{
		config:   cfg,
		trimStem: cfg.Pipeline.TrimStem,
	}
	var err error
	e.pipeline, err = cfg.Pipeline.Options()
	if err != nil {
		return nil, err
	}
	e.storage, e.storageCloser, err = storageprovider.Open(ctx, cfg.Storage.Options())
	if err != nil {
		return nil, err
	}
	if len(cfg.Kafka.Brokers) > 0 {
		e.treesWriter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Async:        true,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    10,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: 3 * time.Second,
		}
	}
	return &e, nil
}

func (e *environment) shutdown() {
	err := e.storageCloser.Close()
	if err != nil {
		sentry.CaptureException(err)
	}
	if e.treesWriter != nil {
		err = e.treesWriter.Close()
		if err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/sessions", e.postSession},
		{http.MethodGet, "/sessions/:session_id", e.getSession},
		{http.MethodDelete, "/sessions/:session_id", e.deleteSession},
		{http.MethodGet, "/sessions/:session_id/tree", e.getSessionTree},
		{http.MethodGet, "/sessions/:session_id/functions", e.getSessionFunctions},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.AnonymizeTransactionName(route.method, route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("STACKSAMPLER_CONFIG"))
	if err != nil {
		logutil.ConfigureLogger("info")
		log.Fatal().Err(err).Msg("error loading the configuration")
	}
	logutil.ConfigureLogger(cfg.LogLevel)

	env, err := newEnvironment(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:                   cfg.SentryDSN,
		EnableTracing:         true,
		Environment:           cfg.Environment,
		Release:               release,
		TracesSampleRate:      1.0,
		BeforeSendTransaction: httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	l, err := net.Listen("tcp", server.Addr)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error listening")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Info().Str("port", cfg.Port).Str("storage", cfg.Storage.Backend).Msg("serving sessions")
	if err := serveUntil(&server, l, stop, 30*time.Second); err != nil {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
