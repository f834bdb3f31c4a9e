// Worker consumes security events from Kafka and pushes them to Loki, and
// prunes expired refresh-token ledger rows when DATABASE_URL is set.
// Set KAFKA_BROKERS, SECURITY_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"storefront-platform/backend/internal/config"
	"storefront-platform/backend/internal/db"
	"storefront-platform/backend/internal/telemetry/loki"
	tokenrepo "storefront-platform/backend/internal/token/repository"
)

// Revoked ledger rows are kept past their expiry for this long so reuse
// investigations have history to look at.
const ledgerRetention = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.SecurityKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("worker: db: %v", err)
		}
		defer conn.Close()
		go pruneLedger(ctx, tokenrepo.NewPostgresRepository(conn))
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.SecurityKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Printf("worker: consuming from %s (group %s), pushing to %s", cfg.SecurityKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker: stopped")
				return
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := loki.PushEventJSON(pushCtx, cfg.LokiURL, msg.Value); err != nil {
			log.Printf("worker: loki push failed: %v", err)
		}
		pushCancel()
	}
}

// pruneLedger deletes refresh-token rows that expired more than the retention
// period ago. Runs hourly until ctx is cancelled.
func pruneLedger(ctx context.Context, repo *tokenrepo.PostgresRepository) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-ledgerRetention)
			n, err := repo.DeleteExpiredBefore(ctx, cutoff)
			if err != nil {
				log.Printf("worker: ledger prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("worker: pruned %d expired ledger rows", n)
			}
		}
	}
}
