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

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/api"
	"github.com/hackgods/medical-appointment-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string        `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	PractitionerID string        `envconfig:"PRACTITIONER_ID" required:"true"`
	Days           int           `envconfig:"DAYS" default:"7"`
	Duration       time.Duration `envconfig:"DURATION" default:"30s"`
	Workers        int           `envconfig:"WORKERS" default:"10"`
	// ContendedSlots are booked by every worker at once before the mixed phase.
	ContendedSlots int     `envconfig:"CONTENDED_SLOTS" default:"5"`
	BookingRatio   float64 `envconfig:"BOOKING_RATIO" default:"0.5"`
	ConfirmRatio   float64 `envconfig:"CONFIRM_RATIO" default:"0.2"`
	CancelRatio    float64 `envconfig:"CANCEL_RATIO" default:"0.1"`
	ReadRatio      float64 `envconfig:"READ_RATIO" default:"0.2"`
}

type slot struct {
	Date  string
	Start string
	End   string
}

type booked struct {
	ID   uuid.UUID
	Code string
}

type DataPool struct {
	Slots        []slot
	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// result classifies one request.
type result int

const (
	resultSuccess result = iota
	resultConflict
	resultBusy
	resultError
)

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Busy      int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, r result) {
	atomic.AddInt64(&om.Total, 1)
	switch r {
	case resultSuccess:
		atomic.AddInt64(&om.Success, 1)
	case resultConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case resultBusy:
		atomic.AddInt64(&om.Busy, 1)
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
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min95(len(latencies))]
	return avg, min, max, p50, p95
}

func min95(n int) int {
	i := n * 95 / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Contended OperationMetrics
	Booking   OperationMetrics
	Confirm   OperationMetrics
	Cancel    OperationMetrics
	ReadByID  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
	// double bookings seen in the contention phase
	violations int64
}

func main() {
	log := logging.New(logging.Config{Env: os.Getenv("APP_ENV"), Level: os.Getenv("LOG_LEVEL"), Service: "simulate"})

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("confirm", cfg.ConfirmRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	slots, err := sim.loadSlots(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("load available slots")
	}
	sim.pool.Slots = slots
	log.Info().Int("slots", len(slots)).Msg("loaded available slots")

	sim.RunContention()
	sim.Run()
	sim.PrintReport()

	if sim.violations > 0 {
		os.Exit(1)
	}
}

func loadConfig() (SimConfig, error) {
	_ = godotenv.Load()

	var cfg SimConfig
	if err := envconfig.Process("SIM", &cfg); err != nil {
		return SimConfig{}, err
	}
	if _, err := uuid.Parse(cfg.PractitionerID); err != nil {
		return SimConfig{}, fmt.Errorf("SIM_PRACTITIONER_ID: %w", err)
	}
	if cfg.Workers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DAYS must be > 0")
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg, nil
}

func (s *Simulator) loadSlots(ctx context.Context) ([]slot, error) {
	from := time.Now().AddDate(0, 0, 1)
	to := from.AddDate(0, 0, s.config.Days-1)
	url := fmt.Sprintf("%s/practitioners/%s/availability?from=%s&to=%s",
		s.config.APIBaseURL, s.config.PractitionerID, from.Format("2006-01-02"), to.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("availability returned %d", resp.StatusCode)
	}

	var days []api.DayResponse
	if err := json.NewDecoder(resp.Body).Decode(&days); err != nil {
		return nil, err
	}

	var slots []slot
	for _, d := range days {
		for _, sl := range d.Slots {
			if sl.Available {
				slots = append(slots, slot{Date: d.Date, Start: sl.Start.String(), End: sl.End.String()})
			}
		}
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("no available slots in the next %d days", s.config.Days)
	}
	return slots, nil
}

// RunContention sends every worker at the same slot at once and checks that
// at most one booking per slot is created.
func (s *Simulator) RunContention() {
	n := min(s.config.ContendedSlots, len(s.pool.Slots))
	if n == 0 {
		return
	}
	contended := s.pool.Slots[:n]
	s.pool.Slots = s.pool.Slots[n:]

	s.log.Info().Int("slots", n).Int("workers", s.config.Workers).Msg("contention phase")

	ctx := context.Background()
	for _, sl := range contended {
		var created int64
		var wg sync.WaitGroup
		startGate := make(chan struct{})
		for i := 0; i < s.config.Workers; i++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				<-startGate
				if s.book(ctx, rng, sl, &s.metrics.Contended) {
					atomic.AddInt64(&created, 1)
				}
			}(time.Now().UnixNano() + int64(i))
		}
		close(startGate)
		wg.Wait()

		if created > 1 {
			s.violations++
			s.log.Error().Str("date", sl.Date).Str("start", sl.Start).Int64("created", created).Msg("slot double booked")
		}
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("mixed phase")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			if len(s.pool.Slots) > 0 {
				s.book(ctx, rng, s.pool.Slots[rng.Intn(len(s.pool.Slots))], &s.metrics.Booking)
			}
		case r < s.config.BookingRatio+s.config.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doReadByID(ctx, rng)
		}
	}
}

// book reports whether the appointment was created.
func (s *Simulator) book(ctx context.Context, rng *rand.Rand, sl slot, om *OperationMetrics) bool {
	faker := gofakeit.New(rng.Uint64())
	body := api.BookAppointmentRequest{
		PractitionerID: s.config.PractitionerID,
		Date:           sl.Date,
		Start:          sl.Start,
		End:            sl.End,
		Patient: api.PatientRequest{
			Name:  faker.Name(),
			Email: faker.Email(),
			Phone: faker.Numerify("+569########"),
		},
		Reason: faker.RandomString([]string{"checkup", "follow-up", "prescription renewal", "lab results"}),
	}

	start := time.Now()
	status, respBody, err := s.post(ctx, "/appointments", body)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, resultError)
		}
		return false
	}

	switch status {
	case http.StatusCreated:
		var resp api.BookAppointmentResponse
		if err := json.Unmarshal(respBody, &resp); err == nil && resp.AppointmentID != uuid.Nil {
			s.pool.AddAppointment(booked{ID: resp.AppointmentID, Code: resp.ConfirmationCode})
		}
		om.Record(latency, resultSuccess)
		return true
	case http.StatusConflict:
		var resp api.ErrorResponse
		_ = json.Unmarshal(respBody, &resp)
		if resp.Error == "slot_being_booked" {
			om.Record(latency, resultBusy)
		} else {
			om.Record(latency, resultConflict)
		}
	default:
		om.Record(latency, resultError)
	}
	return false
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.timed(ctx, &s.metrics.Confirm, http.StatusOK, func() (int, error) {
		status, _, err := s.post(ctx, "/appointments/"+appt.ID.String()+"/transitions", api.TransitionRequest{
			Status: "confirmed",
			Actor:  "operator",
		})
		return status, err
	})
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok || appt.Code == "" {
		return
	}
	s.timed(ctx, &s.metrics.Cancel, http.StatusOK, func() (int, error) {
		status, _, err := s.post(ctx, "/appointments/code/"+appt.Code+"/cancel", api.CancelRequest{Reason: "simulated"})
		return status, err
	})
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.timed(ctx, &s.metrics.ReadByID, http.StatusOK, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/appointments/"+appt.ID.String(), nil)
		if err != nil {
			return 0, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	})
}

// timed records a 409 as a conflict, which for confirm and cancel means the
// appointment had already moved on.
func (s *Simulator) timed(ctx context.Context, om *OperationMetrics, want int, fn func() (int, error)) {
	start := time.Now()
	status, err := fn()
	latency := time.Since(start)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			om.Record(latency, resultError)
		}
	case status == want:
		om.Record(latency, resultSuccess)
	case status == http.StatusConflict:
		om.Record(latency, resultConflict)
	default:
		om.Record(latency, resultError)
	}
}

func (s *Simulator) post(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Double bookings: %d\n", s.violations)
	fmt.Println()

	printOperationReport("Contended booking", &s.metrics.Contended)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel by code", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	busy := atomic.LoadInt64(&om.Busy)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if busy > 0 {
		fmt.Printf("  Busy: %d (%.1f%%)\n", busy, pct(busy))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
