// The consumer drains the driver-location topic into the Redis candidate
// index the dispatcher reads from.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/geo"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/logging"
	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful candidate index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total candidate index errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

// Upserter is the subset of the candidate index the consumer writes to.
type Upserter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_TOPIC", "driver-locations")
	group := getenv("KAFKA_GROUP", "taxini-dispatch-consumer")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	geoKey := getenv("REDIS_GEO_KEY", "drivers_geo")

	index := geo.NewRedisIndex(redisAddr, os.Getenv("REDIS_PASSWORD"), geoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := index.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = index.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := upsertWithRetry(ctx, index, d, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Warn("index update failed", "driver_id", d.ID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// upsertWithRetry writes the driver into the candidate index with
// bounded backoff between attempts.
func upsertWithRetry(ctx context.Context, idx Upserter, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
