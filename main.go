package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"letter-collab/auth"
	"letter-collab/collab"
	"letter-collab/core"
	"letter-collab/handlers/api/letters"
	"letter-collab/handlers/api/rooms"
	"letter-collab/handlers/rawws"
	"letter-collab/handlers/websocket"
	"letter-collab/mirror"
	"letter-collab/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func isLocalOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

func setupRouter(store core.DocumentStore, engine *collab.Engine, verifier *auth.Verifier, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: origins,
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if isLocalOrigin(origin) {
				return true
			}
			for _, allowed := range origins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", auth.UserIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Route("/api", func(r chi.Router) {
		r.Mount("/rooms", rooms.Routes(engine.Registry, engine.Controller))
		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)
			r.Mount("/letters", letters.Routes(store, engine))
		})
	})

	r.Handle("/ws", rawws.NewHandler(engine, verifier, origins))
	return r
}

func parseOrigins(v string) []string {
	var origins []string
	for _, origin := range strings.Split(v, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func main() {
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	saveDelay := flag.Duration("save-delay", collab.DefaultSaveDelay, "Quiet period after the last edit before a letter is mirrored")
	mirrorTimeout := flag.Duration("mirror-timeout", collab.DefaultMirrorTimeout, "Timeout for a single mirror create or delete")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithField("error", err).Warn("Failed to load .env file")
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store, err := stores.GetStore()
	if err != nil {
		logrus.WithField("error", err).Fatal("Failed to initialise storage")
	}
	mirrorService, err := mirror.GetMirror(ctx)
	if err != nil {
		logrus.WithField("error", err).Fatal("Failed to initialise mirror")
	}

	engine := collab.NewEngine(collab.Config{
		SaveDelay:     *saveDelay,
		MirrorTimeout: *mirrorTimeout,
	}, store, mirrorService)
	verifier := auth.NewVerifier(os.Getenv("JWT_SECRET"))
	origins := parseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))

	r := setupRouter(store, engine, verifier, origins)
	ioo := websocket.SetupSocketIO(engine, verifier, origins)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: *listenAddr, Handler: r}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.WithField("addr", *listenAddr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		ioo.Close(nil)
		if serr := engine.Shutdown(shutdownCtx); serr != nil {
			logrus.WithField("error", serr).Warn("Pending saves did not finish")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logrus.WithField("event", "start server").Fatal(err)
	}
}
