package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/provgraph/internal/db"
	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/provenance"

	"github.com/spf13/viper"
)

// Config is everything a reconstruction run can be tuned with.
type Config struct {
	Database  DatabaseConfig
	Run       RunConfig
	LLM       LLMConfig
	Export    ExportConfig
	Metrics   MetricsConfig
	Ingestion IngestionConfig
}

// DatabaseConfig enables the PostgreSQL sink.
type DatabaseConfig struct {
	Enabled bool
	db.Config
}

type RunConfig struct {
	Mode        provenance.Mode
	Granularity domain.Granularity
	// Seed selects the representative node kept by the reducer. Zero keeps
	// the first candidate.
	Seed uint64
}

// Picker returns the reducer picker matching Seed.
func (r RunConfig) Picker() provenance.Picker {
	if r.Seed == 0 {
		return provenance.FirstPicker
	}
	return provenance.NewRandomPicker(r.Seed)
}

type LLMConfig struct {
	Enabled bool
	Model   string
	BaseURL string
	APIKey  string
}

type ExportConfig struct {
	URL string
}

type MetricsConfig struct {
	Textfile string
}

type IngestionConfig struct {
	IndexColumn string
}

func setDefaults(v *viper.Viper) {
	def := db.DefaultConfig()
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", def.Host)
	v.SetDefault("database.port", def.Port)
	v.SetDefault("database.user", def.User)
	v.SetDefault("database.password", def.Password)
	v.SetDefault("database.dbname", def.DBName)
	v.SetDefault("database.sslmode", def.SSLMode)
	v.SetDefault("database.max_conns", def.MaxConns)

	v.SetDefault("run.mode", "entity")
	v.SetDefault("run.granularity", int(domain.GranularityFull))
	v.SetDefault("run.seed", 0)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")

	v.SetDefault("export.url", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("ingestion.index_column", "")
}

// Load reads provgraph.yaml from configPath when present. Environment
// variables such as PROVGRAPH_DATABASE_HOST override file values.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("provgraph")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("PROVGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	mode, err := provenance.ParseMode(v.GetString("run.mode"))
	if err != nil {
		return Config{}, fmt.Errorf("run.mode: %w", err)
	}
	granularity := domain.Granularity(v.GetInt("run.granularity"))
	if !granularity.Valid() {
		return Config{}, fmt.Errorf("run.granularity: must be 1, 2 or 3, got %d", granularity)
	}

	return Config{
		Database: DatabaseConfig{
			Enabled: v.GetBool("database.enabled"),
			Config: db.Config{
				Host:     v.GetString("database.host"),
				Port:     v.GetInt("database.port"),
				User:     v.GetString("database.user"),
				Password: v.GetString("database.password"),
				DBName:   v.GetString("database.dbname"),
				SSLMode:  v.GetString("database.sslmode"),
				MaxConns: v.GetInt32("database.max_conns"),
			},
		},
		Run: RunConfig{
			Mode:        mode,
			Granularity: granularity,
			Seed:        v.GetUint64("run.seed"),
		},
		LLM: LLMConfig{
			Enabled: v.GetBool("llm.enabled"),
			Model:   v.GetString("llm.model"),
			BaseURL: v.GetString("llm.base_url"),
			APIKey:  v.GetString("llm.api_key"),
		},
		Export:    ExportConfig{URL: v.GetString("export.url")},
		Metrics:   MetricsConfig{Textfile: v.GetString("metrics.textfile")},
		Ingestion: IngestionConfig{IndexColumn: v.GetString("ingestion.index_column")},
	}, nil
}
