package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/medical-appointment-booking/internal/auth"
	"github.com/hackgods/medical-appointment-booking/internal/config"
	"github.com/hackgods/medical-appointment-booking/internal/db"
	"github.com/hackgods/medical-appointment-booking/internal/observability"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	ReadRatio    float64
	RetryRatio   float64 // share of bookings resent with the same Idempotency-Key
	HotSlots     int     // bookings target only this many slots to force contention
	PatientLimit int
	SlotLimit    int
	PostgresDSN  string
	JWTSecret    string
}

type slotRef struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
}

type bookedRef struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef

	mu           sync.RWMutex
	appointments []bookedRef
	bookedBySlot map[uuid.UUID]int // 201 responses per slot, replays excluded
}

func (dp *DataPool) AddAppointment(slotID uuid.UUID, ref bookedRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, ref)
	dp.bookedBySlot[slotID]++
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedRef, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedRef{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// DoubleBooked returns the slots that got more than one fresh 201.
func (dp *DataPool) DoubleBooked() map[uuid.UUID]int {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[uuid.UUID]int)
	for id, n := range dp.bookedBySlot {
		if n > 1 {
			out[id] = n
		}
	}
	return out
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking   OperationMetrics
	Replay    OperationMetrics
	Confirm   OperationMetrics
	ListSlots OperationMetrics
	ListMine  OperationMetrics

	outcomes sync.Map // outcome -> *int64
}

func (m *Metrics) countOutcome(outcome string) {
	v, _ := m.outcomes.LoadOrStore(outcome, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

type Simulator struct {
	config    SimConfig
	pool      *DataPool
	client    *http.Client
	validator *auth.Validator
	metrics   Metrics
	tokens    sync.Map // identity -> token
}

func main() {
	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hot_slots", cfg.HotSlots).
		Float64("booking", cfg.BookingRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config:    cfg,
		pool:      dataPool,
		client:    &http.Client{Timeout: 10 * time.Second},
		validator: auth.NewValidator(cfg.JWTSecret),
	}

	sim.Run()
	sim.PrintReport()

	if doubles := dataPool.DoubleBooked(); len(doubles) > 0 {
		for id, n := range doubles {
			log.Error().Str("slot_id", id.String()).Int("bookings", n).Msg("slot booked more than once")
		}
		os.Exit(1)
	}
	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelVerify()
	if n, err := countDoubleBookedSlots(verifyCtx, pgPool, dataPool.Slots); err != nil {
		log.Warn().Err(err).Msg("could not verify bookings in postgres")
	} else if n > 0 {
		log.Error().Int("slots", n).Msg("postgres holds more than one live appointment for some slots")
		os.Exit(1)
	}
	log.Info().Msg("no slot was booked more than once")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load base config")
	}
	observability.InitLogger("simulate", baseCfg.LogLevel, true)

	cfg := SimConfig{
		APIBaseURL:   config.GetEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     config.GetDuration("SIM_DURATION", 30*time.Second),
		Workers:      config.GetInt("SIM_WORKERS", 20),
		BookingRatio: config.GetFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: config.GetFloat("SIM_CONFIRM_RATIO", 0.1),
		ReadRatio:    config.GetFloat("SIM_READ_RATIO", 0.4),
		RetryRatio:   config.GetFloat("SIM_RETRY_RATIO", 0.1),
		HotSlots:     config.GetInt("SIM_HOT_SLOTS", 50),
		PatientLimit: config.GetInt("SIM_PATIENT_LIMIT", 2000),
		SlotLimit:    config.GetInt("SIM_SLOT_LIMIT", 500),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.JWTSecret,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotSlots <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{bookedBySlot: make(map[uuid.UUID]int)}

	query, args, err := psql.Select("id").From("patients").Limit(uint64(cfg.PatientLimit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	query, args, err = psql.Select("id", "provider_id").
		From("availability_slots").
		Where("is_available").
		Where("start_time > now()").
		OrderBy("start_time").
		Limit(uint64(cfg.SlotLimit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err = pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.ProviderID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded")
	}
	if len(dataPool.Slots) > cfg.HotSlots {
		dataPool.Slots = dataPool.Slots[:cfg.HotSlots]
	}

	return dataPool, nil
}

func countDoubleBookedSlots(ctx context.Context, pool *pgxpool.Pool, slots []slotRef) (int, error) {
	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID.String())
	}

	sub := psql.Select("slot_id").
		From("appointments").
		Where("status <> 'cancelled'").
		Where(sq.Expr("slot_id = ANY(?::uuid[])", ids)).
		GroupBy("slot_id").
		Having("count(*) > 1")
	query, args, err := psql.Select("count(*)").FromSelect(sub, "d").ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.ConfirmRatio:
				s.doConfirm(ctx, rng)
			case rng.Intn(2) == 0:
				s.doListSlots(ctx, rng)
			default:
				s.doListMine(ctx, rng)
			}
		}
	}
}

func (s *Simulator) token(id uuid.UUID, role auth.Role) string {
	key := string(role) + ":" + id.String()
	if v, ok := s.tokens.Load(key); ok {
		return v.(string)
	}
	tok, err := s.validator.Issue(auth.Identity{UserID: id, Role: role}, time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("issue token")
	}
	s.tokens.Store(key, tok)
	return tok
}

func (s *Simulator) send(ctx context.Context, method, path, token string, body any, headers map[string]string) (*http.Response, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	return resp, time.Since(start), err
}

type bookResponse struct {
	Outcome     string `json:"outcome"`
	Appointment *struct {
		ID uuid.UUID `json:"id"`
	} `json:"appointment"`
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	tok := s.token(patientID, auth.RolePatient)
	key := uuid.NewString()
	headers := map[string]string{"Idempotency-Key": key}
	body := map[string]any{"provider_id": slot.ProviderID, "notes": gofakeit.Sentence(6)}
	path := "/slots/" + slot.ID.String() + "/book"

	resp, latency, err := s.send(ctx, http.MethodPost, path, tok, body, headers)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Booking.Record(latency, false, false)
		}
		return
	}

	var out bookResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()

	s.metrics.countOutcome(out.Outcome)
	switch resp.StatusCode {
	case http.StatusCreated:
		if out.Appointment != nil {
			s.pool.AddAppointment(slot.ID, bookedRef{ID: out.Appointment.ID, ProviderID: slot.ProviderID})
		}
		s.metrics.Booking.Record(latency, true, false)
	case http.StatusConflict:
		s.metrics.Booking.Record(latency, false, true)
	default:
		s.metrics.Booking.Record(latency, false, false)
	}

	if rng.Float64() >= s.config.RetryRatio {
		return
	}

	// A retry with the same key must replay, never book again.
	retry, latency, err := s.send(ctx, http.MethodPost, path, tok, body, headers)
	if err != nil {
		return
	}
	retry.Body.Close()
	replayed := retry.Header.Get("Idempotent-Replayed") == "true" && retry.StatusCode == resp.StatusCode
	s.metrics.Replay.Record(latency, replayed, retry.StatusCode == http.StatusConflict)
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	resp, latency, err := s.send(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/status",
		s.token(appt.ProviderID, auth.RoleDoctor), map[string]string{"status": "confirmed"}, nil)
	if err != nil {
		return
	}
	resp.Body.Close()

	s.metrics.Confirm.Record(latency, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	resp, latency, err := s.send(ctx, http.MethodGet, "/providers/"+slot.ProviderID.String()+"/slots",
		s.token(patientID, auth.RolePatient), nil, nil)
	if err != nil {
		return
	}
	resp.Body.Close()

	s.metrics.ListSlots.Record(latency, resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) doListMine(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	resp, latency, err := s.send(ctx, http.MethodGet, "/appointments/me?limit=20",
		s.token(patientID, auth.RolePatient), nil, nil)
	if err != nil {
		return
	}
	resp.Body.Close()

	s.metrics.ListMine.Record(latency, resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Hot slots: %d\n", len(s.pool.Slots))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Idempotent retry", &s.metrics.Replay)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("List slots", &s.metrics.ListSlots)
	printOperationReport("List my appointments", &s.metrics.ListMine)

	fmt.Println("Booking outcomes:")
	s.metrics.outcomes.Range(func(k, v any) bool {
		name := k.(string)
		if name == "" {
			name = "(no outcome)"
		}
		fmt.Printf("  %s: %d\n", name, atomic.LoadInt64(v.(*int64)))
		return true
	})
	fmt.Println()
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
