// Command seeder bulk-loads PENDING queue entries for local runs and load tests.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tierqueue-backend/internal/config"
	"tierqueue-backend/internal/domain"
)

var queueColumns = []string{
	"accountid", "tier_1", "tier_2", "tier_3", "uuid",
	"transaction_type", "status", "created_at", "updated_at",
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "tierqueue-seeder").Logger()

	pflag.Int("count", 100, "number of PENDING entries to insert")
	pflag.Int("accounts", 10, "number of distinct account ids to spread entries over")
	pflag.Float64("withdraw-ratio", 0.2, "share of entries created as WITHDRAW")
	pflag.Parse()
	_ = viper.BindPFlags(pflag.CommandLine)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.QueueDatabaseURL == "" {
		log.Fatal().Msg("QUEUE_DATABASE_URL is required")
	}

	count := viper.GetInt("count")
	accounts := viper.GetInt("accounts")
	if count < 1 || accounts < 1 {
		log.Fatal().Int("count", count).Int("accounts", accounts).Msg("count and accounts must be positive")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.QueueDatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to queue database")
	}
	defer conn.Close(ctx)

	rows := buildRows(count, accounts, viper.GetFloat64("withdraw-ratio"), time.Now().UTC())
	copied, err := conn.CopyFrom(ctx, pgx.Identifier{domain.QueueEntry{}.TableName()}, queueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		log.Fatal().Err(err).Msg("bulk insert failed")
	}
	log.Info().Int64("inserted", copied).Int("accounts", accounts).Msg("seeded pending entries")
}

// buildRows spaces created_at one millisecond apart so FIFO order matches
// insertion order. Tier amounts go over COPY as decimal text, which pgx parses
// into numeric.
func buildRows(count, accounts int, withdrawRatio float64, start time.Time) [][]any {
	rng := rand.New(rand.NewSource(start.UnixNano()))
	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		purpose := domain.TransactionInvest
		if rng.Float64() < withdrawRatio {
			purpose = domain.TransactionWithdraw
		}
		at := start.Add(time.Duration(i) * time.Millisecond)
		rows = append(rows, []any{
			fmt.Sprintf("ACC%04d", i%accounts),
			randomAmount(rng).String(),
			randomAmount(rng).String(),
			randomAmount(rng).String(),
			uuid.New(),
			string(purpose),
			string(domain.StatusPending),
			at,
			at,
		})
	}
	return rows
}

// randomAmount returns 0.00 to 500.00 with two decimal places.
func randomAmount(rng *rand.Rand) decimal.Decimal {
	return decimal.New(rng.Int63n(50001), -2)
}
