package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaEventTopic    string
	KafkaPositionTopic string

	PGDSN string

	PushEndpoint string
	PushKey      string
	JWTSecret    string

	Rates               eta.Rates
	VehicleSpeeds       map[models.VehicleClass]float64
	FallbackSpeedKmh    float64
	DefaultVehicleClass models.VehicleClass

	Box           geo.BoundingBox
	FleetRoster   map[models.VehicleClass]int
	MaxStepMeters float64
	FleetTick     time.Duration

	SubscriberBuffer int
	ETACacheTTL      time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	roster := make(map[models.VehicleClass]int, len(models.VehicleClasses))
	for _, c := range models.VehicleClasses {
		roster[c] = 2
	}
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "vehicles_geo",
		KafkaEventTopic:    "booking-events",
		KafkaPositionTopic: "vehicle-positions",
		Rates:              eta.Rates{BaseFee: 5, PerKm: 2, PerMinute: 0.5},
		VehicleSpeeds: map[models.VehicleClass]float64{
			models.ClassBus:   30,
			models.ClassCar:   50,
			models.ClassTruck: 40,
			models.ClassTaxi:  45,
			models.ClassBike:  15,
		},
		FallbackSpeedKmh:    30,
		DefaultVehicleClass: models.ClassCar,
		Box:                 geo.BoundingBox{MinLat: 3.0, MaxLat: 3.3, MinLon: 101.5, MaxLon: 101.8},
		FleetRoster:         roster,
		MaxStepMeters:       30,
		FleetTick:           2 * time.Second,
		SubscriberBuffer:    16,
		ETACacheTTL:         5 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaPositionTopic, "KAFKA_POSITION_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setFloatFromEnv(&cfg.Rates.BaseFee, "FARE_BASE_FEE", &errs)
	setFloatFromEnv(&cfg.Rates.PerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Rates.PerMinute, "FARE_PER_MINUTE", &errs)
	if v := os.Getenv("VEHICLE_SPEEDS_KMH"); v != "" {
		speeds, err := parseClassMap(v, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid VEHICLE_SPEEDS_KMH: %w", err))
		}
		for class, kmh := range speeds {
			cfg.VehicleSpeeds[class] = kmh
		}
	}
	setFloatFromEnv(&cfg.FallbackSpeedKmh, "FALLBACK_SPEED_KMH", &errs)
	if v := strings.TrimSpace(os.Getenv("DEFAULT_VEHICLE_CLASS")); v != "" {
		cfg.DefaultVehicleClass = models.VehicleClass(strings.ToLower(v))
	}

	setFloatFromEnv(&cfg.Box.MinLat, "BBOX_MIN_LAT", &errs)
	setFloatFromEnv(&cfg.Box.MaxLat, "BBOX_MAX_LAT", &errs)
	setFloatFromEnv(&cfg.Box.MinLon, "BBOX_MIN_LON", &errs)
	setFloatFromEnv(&cfg.Box.MaxLon, "BBOX_MAX_LON", &errs)
	if v := os.Getenv("FLEET_ROSTER"); v != "" {
		roster, err := parseClassMap(v, strconv.Atoi)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FLEET_ROSTER: %w", err))
		} else {
			cfg.FleetRoster = roster
		}
	}
	setFloatFromEnv(&cfg.MaxStepMeters, "FLEET_MAX_STEP_METERS", &errs)
	setDurationFromEnv(&cfg.FleetTick, "FLEET_TICK", &errs)

	setIntFromEnv(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.Validate())
	return cfg, errors.Join(errs...)
}

// Validate reports every semantic problem as a models.ErrConfiguration.
func (cfg ServerConfig) Validate() error {
	var errs []error
	for class, kmh := range cfg.VehicleSpeeds {
		if !(kmh > 0) || math.IsInf(kmh, 0) {
			errs = append(errs, fmt.Errorf("%w: speed for %s must be finite and > 0", models.ErrConfiguration, class))
		}
	}
	if !(cfg.FallbackSpeedKmh > 0) || math.IsInf(cfg.FallbackSpeedKmh, 0) {
		errs = append(errs, fmt.Errorf("%w: FALLBACK_SPEED_KMH must be > 0", models.ErrConfiguration))
	}
	if !cfg.Rates.Valid() {
		errs = append(errs, fmt.Errorf("%w: fare rates must be finite and >= 0", models.ErrConfiguration))
	}
	if err := cfg.Box.Validate(); err != nil {
		errs = append(errs, err)
	}
	total := 0
	for class, n := range cfg.FleetRoster {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%w: roster count for %s must be >= 0", models.ErrConfiguration, class))
		}
		total += n
	}
	if total <= 0 {
		errs = append(errs, fmt.Errorf("%w: FLEET_ROSTER must contain at least one vehicle", models.ErrConfiguration))
	}
	if !(cfg.MaxStepMeters > 0) || math.IsInf(cfg.MaxStepMeters, 0) {
		errs = append(errs, fmt.Errorf("%w: FLEET_MAX_STEP_METERS must be > 0", models.ErrConfiguration))
	}
	if cfg.FleetTick <= 0 {
		errs = append(errs, fmt.Errorf("%w: FLEET_TICK must be > 0", models.ErrConfiguration))
	}
	if cfg.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%w: SUBSCRIBER_BUFFER must be > 0", models.ErrConfiguration))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// parseClassMap reads "car:50,bike:15" style lists.
func parseClassMap[T any](v string, parse func(string) (T, error)) (map[models.VehicleClass]T, error) {
	out := make(map[models.VehicleClass]T)
	for _, item := range splitAndTrim(v) {
		k, val, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not class:value", item)
		}
		parsed, err := parse(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", item, err)
		}
		out[models.VehicleClass(strings.ToLower(strings.TrimSpace(k)))] = parsed
	}
	return out, nil
}
