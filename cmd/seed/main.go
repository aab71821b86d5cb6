package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/medical-appointment-booking/internal/auth"
	"github.com/hackgods/medical-appointment-booking/internal/booking"
	"github.com/hackgods/medical-appointment-booking/internal/config"
	"github.com/hackgods/medical-appointment-booking/internal/db"
	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
}

func main() {
	providers := flag.Int("providers", 20, "number of providers")
	patients := flag.Int("patients", 2000, "number of patients")
	days := flag.Int("days", 5, "days of hourly slots per provider, starting tomorrow")
	fromHour := flag.Int("from-hour", 9, "first slot hour (UTC)")
	toHour := flag.Int("to-hour", 17, "hour after the last slot (UTC)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	observability.InitLogger("seed", cfg.LogLevel, cfg.IsDev())
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.ApplySchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	providerIDs, err := seedProviders(ctx, pool, *providers)
	if err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	patientIDs, err := seedPatients(ctx, pool, *patients)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedSlots(ctx, booking.NewPgRepository(pool), providerIDs, *days, *fromHour, *toHour); err != nil {
		log.Fatal().Err(err).Msg("seed slots")
	}

	printSampleTokens(cfg.JWTSecret, providerIDs, patientIDs)
	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding providers")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		log.Debug().Int("done", end).Int("total", count).Msg("patients batch committed")
	}

	return ids, nil
}

// seedSlots opens the same hourly schedule for every provider through the
// repository, so seeded rows look exactly like provider created ones.
func seedSlots(ctx context.Context, repo *booking.PgRepository, providerIDs []uuid.UUID, days, fromHour, toHour int) error {
	log.Info().Int("providers", len(providerIDs)).Int("days", days).Msg("seeding slots")

	now := time.Now().UTC()
	total := 0
	for d := 1; d <= days; d++ {
		schedule := booking.DailySchedule{
			Date:     now.AddDate(0, 0, d),
			FromHour: fromHour,
			ToHour:   toHour,
		}
		windows, err := schedule.Windows(now)
		if err != nil {
			return err
		}
		for _, providerID := range providerIDs {
			slots, err := repo.CreateSlots(ctx, providerID, windows)
			if err != nil {
				return err
			}
			total += len(slots)
		}
	}

	log.Info().Int("slots", total).Msg("slots seeded")
	return nil
}

func printSampleTokens(secret string, providerIDs, patientIDs []uuid.UUID) {
	if len(providerIDs) == 0 || len(patientIDs) == 0 {
		return
	}
	v := auth.NewValidator(secret)

	doctor, err := v.Issue(auth.Identity{UserID: providerIDs[0], Role: auth.RoleDoctor}, 24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("issue sample doctor token")
		return
	}
	patient, err := v.Issue(auth.Identity{UserID: patientIDs[0], Role: auth.RolePatient}, 24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("issue sample patient token")
		return
	}

	log.Info().Str("provider_id", providerIDs[0].String()).Str("token", doctor).Msg("sample doctor token")
	log.Info().Str("patient_id", patientIDs[0].String()).Str("token", patient).Msg("sample patient token")
}
