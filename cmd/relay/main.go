package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logger"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/ratelimit"
	"rollcall/internal/scan"
	"rollcall/internal/store"
)

// nfcPrefix marks a stdin line as an NFC serial; anything else is a QR payload.
const nfcPrefix = "nfc:"

// Relay reads scanner output from stdin, one read per line, and publishes
// each as a scan event on the redis queue the api consumes.
func main() {
	cfg := config.Load()
	owner := flag.String("owner", os.Getenv("RELAY_OWNER"), "account email the scans are recorded under")
	source := flag.String("source", hostname(), "scanner name recorded on each event")
	perMin := flag.Int("rate", 120, "maximum scans published per minute")
	flag.Parse()

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "relay").Logger()
	if strings.TrimSpace(*owner) == "" {
		log.Fatal().Msg("owner required: pass -owner or set RELAY_OWNER")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable, publishes will fail until it is")
	}
	q := queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
	limiter := ratelimit.New(*perMin/6, *perMin)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			log.Error().Err(err).Msg("reading stdin failed")
		}
	}()

	log.Info().Str("owner", *owner).Str("source", *source).Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay stopped")
			return
		case line, ok := <-lines:
			if !ok {
				log.Info().Msg("input closed, relay stopped")
				return
			}
			relay(ctx, q, limiter, log, eventFor(line, *owner, *source))
		}
	}
}

func eventFor(line, owner, source string) scan.Event {
	e := scan.Event{Kind: attendance.KindQR, Owner: owner, Source: source, ReceivedAt: time.Now()}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(strings.ToLower(line), nfcPrefix) {
		e.Kind = attendance.KindNFC
		line = strings.TrimSpace(line[len(nfcPrefix):])
	}
	e.Payload = line
	return e
}

func relay(ctx context.Context, q queue.Queue, limiter *ratelimit.Bucket, log zerolog.Logger, e scan.Event) {
	if e.Payload == "" {
		return
	}
	if err := e.Validate(); err != nil {
		log.Warn().Err(err).Str("payload", e.Payload).Msg("skipping unreadable scan")
		metrics.QueuePublished.WithLabelValues("rejected").Inc()
		return
	}
	if err := limiter.Wait(ctx, e.Source); err != nil {
		return
	}
	msg, err := scan.Encode(e)
	if err != nil {
		log.Error().Err(err).Msg("encode scan failed")
		metrics.QueuePublished.WithLabelValues("error").Inc()
		return
	}
	if err := q.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("kind", string(e.Kind)).Msg("publish scan failed")
		metrics.QueuePublished.WithLabelValues("error").Inc()
		return
	}
	metrics.QueuePublished.WithLabelValues("ok").Inc()
	log.Debug().Str("kind", string(e.Kind)).Msg("scan published")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "relay"
	}
	return h
}
