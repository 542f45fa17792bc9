// Package config loads collector configuration from an optional YAML file
// with environment overrides. Environment always wins over the file.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "2s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type LogCfg struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	SampleN int    `yaml:"sample_n"`
}

type ArtifactCfg struct {
	Path string `yaml:"path" validate:"required"`
}

type WeightsCfg struct {
	Supervised   float64 `yaml:"supervised" validate:"gte=0,lte=1"`
	Unsupervised float64 `yaml:"unsupervised" validate:"gte=0,lte=1"`
	Secondary    float64 `yaml:"secondary" validate:"gte=0,lte=1"`
}

type ModelsCfg struct {
	Supervised   ArtifactCfg `yaml:"supervised"`
	Unsupervised ArtifactCfg `yaml:"unsupervised"`
	Secondary    ArtifactCfg `yaml:"secondary"`
	Weights      WeightsCfg  `yaml:"weights"`
}

type BandsCfg struct {
	Low    float64 `yaml:"low" validate:"gte=0,lte=1"`
	Medium float64 `yaml:"medium" validate:"gte=0,lte=1"`
	High   float64 `yaml:"high" validate:"gte=0,lte=1"`
}

type GeoCacheCfg struct {
	Size        int      `yaml:"size" validate:"gte=1"`
	PositiveTTL Duration `yaml:"positive_ttl"`
	NegativeTTL Duration `yaml:"negative_ttl"`
}

type GeoRedisCfg struct {
	Addr        string   `yaml:"addr"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type GeoCfg struct {
	UpstreamURL   string      `yaml:"upstream_url" validate:"required"`
	Timeout       Duration    `yaml:"timeout"`
	Concurrency   int         `yaml:"concurrency" validate:"gte=1"`
	SemaphoreWait Duration    `yaml:"semaphore_wait"`
	Cache         GeoCacheCfg `yaml:"cache"`
	Redis         GeoRedisCfg `yaml:"redis"`
}

type RequestCfg struct {
	Deadline Duration `yaml:"deadline"`
}

type BackpressureCfg struct {
	HighWatermark int `yaml:"high_watermark" validate:"gte=1"`
}

type MapCfg struct {
	CellRes int `yaml:"cell_res" validate:"gte=0,lte=15"`
}

type AlertsCfg struct {
	Driver   string   `yaml:"driver" validate:"oneof=none kafka"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	MinBand  string   `yaml:"min_band" validate:"oneof=MINIMAL LOW MEDIUM HIGH"`
	Cooldown Duration `yaml:"cooldown"`
}

type StreamCfg struct {
	Buffer int `yaml:"buffer" validate:"gte=1"`
}

type ActivityCfg struct {
	HalfLife Duration `yaml:"half_life"`
}

type Config struct {
	BindAddress string `yaml:"bind_address" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`
	DBPath      string `yaml:"db_path" validate:"required"`

	Log    LogCfg    `yaml:"log"`
	Models ModelsCfg `yaml:"models"`
	Bands  BandsCfg  `yaml:"bands"`

	ScoreFloor       float64  `yaml:"score_floor" validate:"gte=0,lte=1"`
	IndicatorActions []string `yaml:"indicator_actions"`
	IndicatorPaths   []string `yaml:"indicator_paths"`

	Geo          GeoCfg          `yaml:"geo"`
	Request      RequestCfg      `yaml:"request"`
	Backpressure BackpressureCfg `yaml:"backpressure"`
	Map          MapCfg          `yaml:"map"`
	Alerts       AlertsCfg       `yaml:"alerts"`
	Stream       StreamCfg       `yaml:"stream"`
	Activity     ActivityCfg     `yaml:"activity"`
}

func Default() Config {
	return Config{
		BindAddress: ":8080",
		DBPath:      "collector.db",
		Log:         LogCfg{Level: "info"},
		Models: ModelsCfg{
			Supervised:   ArtifactCfg{Path: "models/supervised.json"},
			Unsupervised: ArtifactCfg{Path: "models/unsupervised.json"},
			Secondary:    ArtifactCfg{Path: "models/secondary.json"},
			Weights:      WeightsCfg{Supervised: 0.60, Unsupervised: 0.25, Secondary: 0.15},
		},
		Bands:            BandsCfg{Low: 0.20, Medium: 0.40, High: 0.70},
		ScoreFloor:       0.65,
		IndicatorActions: []string{"git_push", "cred_access"},
		IndicatorPaths:   []string{".env", "secrets.yml", "credentials", "private.key", "kubeconfig-*"},
		Geo: GeoCfg{
			UpstreamURL:   "https://ipapi.co",
			Timeout:       Duration(2 * time.Second),
			Concurrency:   16,
			SemaphoreWait: Duration(500 * time.Millisecond),
			Cache: GeoCacheCfg{
				Size:        50000,
				PositiveTTL: Duration(24 * time.Hour),
				NegativeTTL: Duration(5 * time.Minute),
			},
			Redis: GeoRedisCfg{DialTimeout: Duration(2 * time.Second)},
		},
		Request:      RequestCfg{Deadline: Duration(5 * time.Second)},
		Backpressure: BackpressureCfg{HighWatermark: 1000},
		Map:          MapCfg{CellRes: 5},
		Alerts: AlertsCfg{
			Driver:   "none",
			Brokers:  []string{"localhost:9092"},
			Topic:    "decoynet-alerts",
			MinBand:  "HIGH",
			Cooldown: Duration(5 * time.Minute),
		},
		Stream:   StreamCfg{Buffer: 256},
		Activity: ActivityCfg{HalfLife: Duration(10 * time.Minute)},
	}
}

// Load reads the YAML file at path (if any), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sum := c.Models.Weights.Supervised + c.Models.Weights.Unsupervised + c.Models.Weights.Secondary
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("config: model weights must sum to 1, got %.6f", sum)
	}
	if !(c.Bands.Low < c.Bands.Medium && c.Bands.Medium < c.Bands.High) {
		return fmt.Errorf("config: band cutoffs must be ordered low < medium < high, got %.2f/%.2f/%.2f",
			c.Bands.Low, c.Bands.Medium, c.Bands.High)
	}
	if c.Alerts.Driver == "kafka" && len(c.Alerts.Brokers) == 0 {
		return fmt.Errorf("config: alerts driver kafka requires at least one broker")
	}
	return nil
}

func applyEnv(c *Config) {
	c.BindAddress = getenv("COLLECTOR_BIND_ADDR", c.BindAddress)
	c.MetricsAddr = getenv("COLLECTOR_METRICS_ADDR", c.MetricsAddr)
	c.DBPath = getenv("COLLECTOR_DB_PATH", c.DBPath)

	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Console = getbool("LOG_CONSOLE", c.Log.Console)
	c.Log.SampleN = getint("LOG_SAMPLE_N", c.Log.SampleN)

	c.Models.Supervised.Path = getenv("MODEL_SUPERVISED_PATH", c.Models.Supervised.Path)
	c.Models.Unsupervised.Path = getenv("MODEL_UNSUPERVISED_PATH", c.Models.Unsupervised.Path)
	c.Models.Secondary.Path = getenv("MODEL_SECONDARY_PATH", c.Models.Secondary.Path)
	c.Models.Weights.Supervised = getfloat("MODEL_WEIGHT_SUPERVISED", c.Models.Weights.Supervised)
	c.Models.Weights.Unsupervised = getfloat("MODEL_WEIGHT_UNSUPERVISED", c.Models.Weights.Unsupervised)
	c.Models.Weights.Secondary = getfloat("MODEL_WEIGHT_SECONDARY", c.Models.Weights.Secondary)

	c.Bands.Low = getfloat("BAND_LOW", c.Bands.Low)
	c.Bands.Medium = getfloat("BAND_MEDIUM", c.Bands.Medium)
	c.Bands.High = getfloat("BAND_HIGH", c.Bands.High)

	c.ScoreFloor = getfloat("SCORE_FLOOR", c.ScoreFloor)
	c.IndicatorActions = getlist("INDICATOR_ACTIONS", c.IndicatorActions)
	c.IndicatorPaths = getlist("INDICATOR_PATHS", c.IndicatorPaths)

	c.Geo.UpstreamURL = getenv("GEO_UPSTREAM_URL", c.Geo.UpstreamURL)
	c.Geo.Timeout = getdur("GEO_TIMEOUT", c.Geo.Timeout)
	c.Geo.Concurrency = getint("GEO_CONCURRENCY", c.Geo.Concurrency)
	c.Geo.SemaphoreWait = getdur("GEO_SEMAPHORE_WAIT", c.Geo.SemaphoreWait)
	c.Geo.Cache.Size = getint("GEO_CACHE_SIZE", c.Geo.Cache.Size)
	c.Geo.Cache.PositiveTTL = getdur("GEO_CACHE_POSITIVE_TTL", c.Geo.Cache.PositiveTTL)
	c.Geo.Cache.NegativeTTL = getdur("GEO_CACHE_NEGATIVE_TTL", c.Geo.Cache.NegativeTTL)
	c.Geo.Redis.Addr = getenv("GEO_REDIS_ADDR", c.Geo.Redis.Addr)
	c.Geo.Redis.DialTimeout = getdur("GEO_REDIS_DIAL_TIMEOUT", c.Geo.Redis.DialTimeout)

	c.Request.Deadline = getdur("REQUEST_DEADLINE", c.Request.Deadline)
	c.Backpressure.HighWatermark = getint("BACKPRESSURE_HIGH_WATERMARK", c.Backpressure.HighWatermark)
	c.Map.CellRes = getint("MAP_CELL_RES", c.Map.CellRes)

	c.Alerts.Driver = getenv("ALERTS_DRIVER", c.Alerts.Driver)
	c.Alerts.Brokers = getlist("ALERTS_BROKERS", c.Alerts.Brokers)
	c.Alerts.Topic = getenv("ALERTS_TOPIC", c.Alerts.Topic)
	c.Alerts.MinBand = getenv("ALERTS_MIN_BAND", c.Alerts.MinBand)
	c.Alerts.Cooldown = getdur("ALERTS_COOLDOWN", c.Alerts.Cooldown)

	c.Stream.Buffer = getint("STREAM_BUFFER", c.Stream.Buffer)
	c.Activity.HalfLife = getdur("ACTIVITY_HALF_LIFE", c.Activity.HalfLife)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdur(k string, def Duration) Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return def
}

// parse "a,b,c" into a list
func getlist(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
