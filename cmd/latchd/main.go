// latchd is the collaborative lock daemon. It exposes the lock engine over a
// small JSON API plus a WebSocket/SSE event stream, and optionally joins a
// cluster through Redis, NATS, Kafka or UDP multicast.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/openpdm/latch/v1/coordinator"
	latcherr "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/hub"
	"github.com/openpdm/latch/v1/journal"
	"github.com/openpdm/latch/v1/lockstore"
	"github.com/openpdm/latch/v1/metrics"
	"github.com/openpdm/latch/v1/relay"
)

var (
	listenAddr    = flag.String("listen", ":8080", "HTTP listen address")
	redisAddr     = flag.String("redis", "", "Redis address; empty runs fully in-memory")
	redisPassword = flag.String("redis-password", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
	relayKind     = flag.String("relay", "", "cross-node relay: redis, nats, kafka or mesh")
	natsURL       = flag.String("nats-url", nats.DefaultURL, "NATS server URL for -relay nats")
	kafkaBrokers  = flag.String("kafka-brokers", "localhost:9092", "comma-separated Kafka brokers for -relay kafka")
	meshPort      = flag.Int("mesh-port", 7947, "UDP port for -relay mesh")
	meshGroup     = flag.String("mesh-group", "239.0.0.2", "multicast group for -relay mesh")
	admins        = flag.String("admins", "", "comma-separated identities allowed to force-release")
	traceStdout   = flag.Bool("trace", false, "emit OpenTelemetry spans to stdout")
	debug         = flag.Bool("debug", false, "log at debug level")
)

func main() {
	flag.Parse()

	logger := pslog.NewStructured(os.Stderr).LogLevel(pslog.InfoLevel)
	if *debug {
		logger = logger.LogLevel(pslog.DebugLevel)
	}

	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("latchd.exit", "error", err)
		os.Exit(1)
	}
}

func run(logger pslog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *traceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	var client *redis.Client
	var store lockstore.Store
	var jrn journal.Journal
	if *redisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		store = lockstore.NewRedis(client)
		cached, err := journal.NewCached(journal.NewRedis(client))
		if err != nil {
			return err
		}
		jrn = cached
		logger.Info("latchd.store", "backend", "redis", "addr", *redisAddr)
	} else {
		store = lockstore.NewInMemory()
		jrn = journal.NewMemory()
		logger.Info("latchd.store", "backend", "memory")
	}

	rly, err := buildRelay(client)
	if err != nil {
		return err
	}
	if rly != nil {
		defer rly.Close()
		logger.Info("latchd.relay", "kind", *relayKind)
	}

	h := hub.New(hub.WithLogger(logger))
	defer h.Close()

	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if rly != nil {
		opts = append(opts, coordinator.WithRelay(rly))
	}
	if *admins != "" {
		set := make(map[string]struct{})
		for _, id := range strings.Split(*admins, ",") {
			set[strings.TrimSpace(id)] = struct{}{}
		}
		opts = append(opts, coordinator.WithAuthorizer(
			coordinator.AuthorizerFunc(func(_ context.Context, identity string) (bool, error) {
				_, ok := set[identity]
				return ok, nil
			})))
	}
	coord := coordinator.New(store, jrn, h, opts...)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	api := &apiServer{coord: coord, logger: logger}
	identity := func(r *http.Request) string {
		if id := r.Header.Get("X-Identity"); id != "" {
			return id
		}
		return r.URL.Query().Get("identity")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/acquire", api.handleAcquire)
	mux.HandleFunc("POST /v1/release", api.handleRelease)
	mux.HandleFunc("GET /v1/status", api.handleStatus)
	mux.HandleFunc("GET /v1/locks", api.handleLocks)
	mux.HandleFunc("GET /v1/history", api.handleHistory)
	mux.HandleFunc("GET /v1/online", api.handleOnline)
	mux.HandleFunc("GET /v1/ws", hub.WebSocketHandler(h, identity))
	mux.HandleFunc("GET /v1/events", hub.SSEHandler(h, identity))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("latchd.listen", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := coord.ForwardRemote(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("latchd.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildRelay(client *redis.Client) (relay.Relay, error) {
	switch *relayKind {
	case "":
		return nil, nil
	case "redis":
		if client == nil {
			return nil, errors.New("-relay redis requires -redis")
		}
		return relay.NewRedisRelay(client), nil
	case "nats":
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return relay.NewNATSRelay(nc), nil
	case "kafka":
		brokers := strings.Split(*kafkaBrokers, ",")
		cfg := sarama.NewConfig()
		cfg.Producer.Return.Successes = true
		return relay.NewKafkaRelay(brokers, cfg)
	case "mesh":
		return relay.NewMeshRelay(relay.MeshOptions{Port: *meshPort, Group: *meshGroup})
	default:
		return nil, fmt.Errorf("unknown relay kind %q", *relayKind)
	}
}

type apiServer struct {
	coord  *coordinator.Coordinator
	logger pslog.Logger
}

type acquireRequest struct {
	Resource string `json:"resource"`
	Identity string `json:"identity"`
	Note     string `json:"note,omitempty"`
}

type releaseRequest struct {
	Resource string `json:"resource"`
	Identity string `json:"identity"`
	Override bool   `json:"override,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Holder string `json:"holder,omitempty"`
}

func (s *apiServer) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Resource == "" || req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource and identity are required"})
		return
	}
	rec, err := s.coord.TryAcquire(r.Context(), req.Resource, req.Identity, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *apiServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Resource == "" || req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource and identity are required"})
		return
	}
	if err := s.coord.TryRelease(r.Context(), req.Resource, req.Identity, req.Override); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource is required"})
		return
	}
	rec, err := s.coord.Status(r.Context(), resource)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"resource": resource, "locked": false})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *apiServer) handleLocks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.coord.Locks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource is required"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := s.coord.History(r.Context(), resource, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []journal.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *apiServer) handleOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Online())
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	if conflict, ok := latcherr.IsConflict(err); ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: conflict.Error(), Holder: conflict.Holder})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, latcherr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, latcherr.ErrNotLocked):
		status = http.StatusConflict
	case errors.Is(err, latcherr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, latcherr.ErrPersistenceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, latcherr.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, latcherr.ErrInternalInconsistency):
		status = http.StatusInternalServerError
		s.logger.Error("api.inconsistency", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
