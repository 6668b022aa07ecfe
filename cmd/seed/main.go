package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

var allergens = []string{"penicillin", "dipyrone", "sulfa", "ibuprofen", "latex", "iodine"}

var bloodTypes = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}

func main() {
	practitioners := flag.Int("practitioners", 20, "practitioners to create")
	patients := flag.Int("patients", 500, "patients to create")
	adminLicense := flag.String("admin-license", "000001", "license number of the bootstrap admin")
	adminPassword := flag.String("admin-password", "admin123", "password of the bootstrap admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, StatementTimeout: cfg.PGStmtTimeout})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	// seeding never contends with itself, so it runs without the redis lock
	svc := clinic.NewService(
		clinic.NewPgRepository(pool),
		nil,
		auth.NewPasswordManager(bcrypt.MinCost),
		auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL),
		zerolog.Nop(),
		clinic.WithLocation(cfg.Location),
	)

	admin, err := ensureAdmin(ctx, svc, *adminLicense, *adminPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap admin")
	}
	logger.Info().Str("license_number", *adminLicense).Msg("admin ready")

	owners, err := seedPractitioners(ctx, svc, admin, *practitioners, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed practitioners")
	}
	owners = append(owners, admin.SubjectID)

	if err := seedPatients(ctx, svc, admin, owners, *patients, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

// ensureAdmin bootstraps the first admin, or logs in as it when the clinic
// already has practitioners.
func ensureAdmin(ctx context.Context, svc *clinic.Service, license, password string) (clinic.Identity, error) {
	p, err := svc.CreatePractitioner(ctx, clinic.Anonymous(), clinic.PractitionerInput{
		Name:          "Clinic Administrator",
		LicenseNumber: license,
		Specialty:     clinic.SpecialtyGeneralPractice,
		Password:      password,
		IsAdmin:       true,
		Contact:       clinic.PractitionerContact{Email: "admin@clinic.local", Phone: gofakeit.Phone()},
	})
	if err == nil {
		return clinic.NewIdentity(p.ID, true), nil
	}
	if !clinic.IsKind(err, clinic.KindUnauthenticated) {
		return clinic.Identity{}, err
	}

	session, err := svc.Authenticate(ctx, license, password, true)
	if err != nil {
		return clinic.Identity{}, fmt.Errorf("clinic already bootstrapped and admin login failed: %w", err)
	}
	return clinic.NewIdentity(session.Practitioner.ID, true), nil
}

func seedPractitioners(ctx context.Context, svc *clinic.Service, admin clinic.Identity, count int, logger zerolog.Logger) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding practitioners")

	ids := make([]uuid.UUID, 0, count)
	for len(ids) < count {
		p, err := svc.CreatePractitioner(ctx, admin, clinic.PractitionerInput{
			Name:          "Dr. " + gofakeit.Name(),
			LicenseNumber: fmt.Sprintf("%06d-%s", gofakeit.Number(100000, 999999), gofakeit.StateAbr()),
			Specialty:     clinic.Specialties[gofakeit.Number(0, len(clinic.Specialties)-1)],
			Password:      "doctor123",
			Contact: clinic.PractitionerContact{
				Email: gofakeit.Email(),
				Phone: gofakeit.Phone(),
				Address: clinic.Address{
					Street: gofakeit.Street(),
					City:   gofakeit.City(),
					State:  gofakeit.StateAbr(),
				},
			},
		})
		if errors.Is(err, clinic.ErrDuplicateLicense) || clinic.IsKind(err, clinic.KindValidation) {
			continue
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, p.ID)
	}

	logger.Info().Int("count", len(ids)).Msg("practitioners seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, svc *clinic.Service, admin clinic.Identity, owners []uuid.UUID, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	created := 0
	for created < count {
		var allergies []string
		if gofakeit.Bool() {
			allergies = []string{allergens[gofakeit.Number(0, len(allergens)-1)]}
		}

		_, err := svc.CreatePatient(ctx, admin, clinic.PatientInput{
			PractitionerID: owners[gofakeit.Number(0, len(owners)-1)],
			Name:           gofakeit.Name(),
			NationalID:     gofakeit.Numerify("###########"),
			BirthDate:      gofakeit.DateRange(time.Now().AddDate(-90, 0, 0), time.Now().AddDate(-1, 0, 0)),
			Gender:         gofakeit.Gender(),
			Contact: clinic.PatientContact{
				Email: gofakeit.Email(),
				Phone: gofakeit.Phone(),
			},
			Health: clinic.HealthInfo{
				BloodType: bloodTypes[gofakeit.Number(0, len(bloodTypes)-1)],
				WeightKg:  gofakeit.Float64Range(3, 120),
				HeightCm:  gofakeit.Float64Range(50, 200),
				Allergies: allergies,
			},
		})
		if errors.Is(err, clinic.ErrDuplicateNational) || clinic.IsKind(err, clinic.KindValidation) {
			continue
		}
		if err != nil {
			return err
		}

		created++
		if created%100 == 0 {
			logger.Info().Int("seeded", created).Int("total", count).Msg("patients progress")
		}
	}

	logger.Info().Int("count", created).Msg("patients seeded")
	return nil
}
