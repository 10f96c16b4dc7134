package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/convoflow/convoflow/classifier"
	anthropiccls "github.com/convoflow/convoflow/classifier/anthropic"
	openaicls "github.com/convoflow/convoflow/classifier/openai"
	"github.com/convoflow/convoflow/engine"
	"github.com/convoflow/convoflow/fanout"
	"github.com/convoflow/convoflow/flowstore"
	mongoflows "github.com/convoflow/convoflow/flowstore/mongo"
	"github.com/convoflow/convoflow/server"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/session/inmem"
	redisstore "github.com/convoflow/convoflow/session/redis"
	"github.com/convoflow/convoflow/telemetry"
	"github.com/convoflow/convoflow/tools"
)

func main() {
	var (
		httpAddrF   = flag.String("http-addr", ":3000", "HTTP listen address")
		wsAddrF     = flag.String("ws-addr", ":3001", "dedicated WebSocket listen address (empty: main port only)")
		redisURLF   = flag.String("redis-url", "", "Redis URL (empty: in-memory session store)")
		mongoURLF   = flag.String("mongo-url", "", "MongoDB URL (empty: in-memory flow repository)")
		corsOriginF = flag.String("cors-origin", "*", "Access-Control-Allow-Origin value")
		dbgF        = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()

	// Session store: Redis when configured, in-process otherwise.
	var store session.Store
	if *redisURLF != "" {
		opt, err := redis.ParseURL(*redisURLF)
		if err != nil {
			log.Fatalf(ctx, err, "invalid redis URL %q", *redisURLF)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "connect redis %q", *redisURLF)
		}
		defer rdb.Close()
		rs, err := redisstore.New(rdb, redisstore.WithLogger(logger))
		if err != nil {
			log.Fatal(ctx, err)
		}
		store = rs
		log.Print(ctx, log.KV{K: "session-store", V: "redis"})
	} else {
		store = inmem.New()
		log.Print(ctx, log.KV{K: "session-store", V: "inmem"})
	}

	// Flow repository: MongoDB when configured, in-process otherwise.
	var flows flowstore.Repository
	if *mongoURLF != "" {
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(*mongoURLF))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongo %q", *mongoURLF)
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		repo, err := mongoflows.New(ctx, client)
		if err != nil {
			log.Fatal(ctx, err)
		}
		flows = repo
		log.Print(ctx, log.KV{K: "flow-repository", V: "mongo"})
	} else {
		flows = flowstore.NewMemory()
		log.Print(ctx, log.KV{K: "flow-repository", V: "memory"})
	}

	registry := tools.NewRegistry()
	registerDemoWorkers(registry)

	executor, err := tools.NewExecutor(registry, store, tools.WithLogger(logger))
	if err != nil {
		log.Fatal(ctx, err)
	}

	eng, err := engine.New(store, buildClassifier(ctx, logger), executor,
		engine.WithLogger(logger),
		engine.WithTracer(telemetry.NewOTELTracer()),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer eng.Close()

	hub, err := fanout.New(store, fanout.WithLogger(logger))
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer hub.Close()

	srv, err := server.New(eng, hub, flows,
		server.WithLogger(logger),
		server.WithCORSOrigin(*corsOriginF),
	)
	if err != nil {
		log.Fatal(ctx, err)
	}

	httpServer := &http.Server{
		Addr:              *httpAddrF,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpServer}
	if *wsAddrF != "" {
		servers = append(servers, &http.Server{
			Addr:              *wsAddrF,
			Handler:           srv.WSHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	for _, hs := range servers {
		go func() {
			ln, err := net.Listen("tcp", hs.Addr)
			if err != nil {
				errc <- err
				return
			}
			log.Print(ctx, log.KV{K: "listen-addr", V: ln.Addr().String()})
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "http shutdown")
		}
	}
	log.Printf(ctx, "exited")
}

// buildClassifier picks the intent classifier from the environment: a remote
// model when an API key is present, always backed by the deterministic
// pattern matcher as fallback.
func buildClassifier(ctx context.Context, logger telemetry.Logger) classifier.Classifier {
	pattern := classifier.NewPattern()
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		remote, err := anthropiccls.NewFromAPIKey(key, "")
		if err != nil {
			log.Errorf(ctx, err, "anthropic classifier unavailable, using pattern matcher")
			return pattern
		}
		log.Print(ctx, log.KV{K: "classifier", V: "anthropic"})
		return classifier.WithFallback(remote, pattern, logger)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		remote, err := openaicls.NewFromAPIKey(key, "")
		if err != nil {
			log.Errorf(ctx, err, "openai classifier unavailable, using pattern matcher")
			return pattern
		}
		log.Print(ctx, log.KV{K: "classifier", V: "openai"})
		return classifier.WithFallback(remote, pattern, logger)
	}
	log.Print(ctx, log.KV{K: "classifier", V: "pattern"})
	return pattern
}

// registerDemoWorkers installs the workers referenced by the built-in
// reservation flow. Availability is deterministic on the requested time so
// demos can exercise both branches.
func registerDemoWorkers(registry *tools.Registry) {
	registry.Register("CheckAvailability", tools.WorkerFunc(func(_ context.Context, _, _ string, args map[string]any) (map[string]any, error) {
		t, _ := args["time"].(string)
		// Half-hour slots are "fully booked".
		if len(t) >= 5 && t[3:5] == "30" {
			return map[string]any{"ok": false, "reason": "no tables available"}, nil
		}
		return map[string]any{"ok": true}, nil
	}))
	registry.Register("CreateReservation", tools.WorkerFunc(func(_ context.Context, _, _ string, args map[string]any) (map[string]any, error) {
		return map[string]any{
			"ok":           true,
			"confirmation": fmt.Sprintf("RSV-%06d", rand.Intn(1000000)),
			"reservedAt":   time.Now().UTC().Format(time.RFC3339),
			"date":         args["date"],
			"time":         args["time"],
			"partySize":    args["partySize"],
		}, nil
	}))
}
