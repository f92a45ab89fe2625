package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Scheduler   SchedulerConfig
	DatabaseURL string
	DBPath      string
	FeedDir     string
	LogLevel    string
	Sites       map[string]*SiteConfig
}

type SchedulerConfig struct {
	Interval           time.Duration
	Cron               string
	MaxConcurrentSites int
}

// SiteConfig is one provisioned site, loaded from config/sites/*.yaml. The
// name is the identifier crawl records use; records naming an unconfigured
// site are rejected.
type SiteConfig struct {
	Name              string `yaml:"name"`
	URL               string `yaml:"url"`
	FloorplansURL     string `yaml:"floorplans_url"`
	ContainerSelector string `yaml:"container_selector"`
	Region            string `yaml:"region"`
	State             string `yaml:"state"`
	Address           string `yaml:"address"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Scheduler: SchedulerConfig{
			Cron:               os.Getenv("CRAWL_CRON"),
			MaxConcurrentSites: getEnvInt("MAX_CONCURRENT_SITES", 5),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "tracker.db"),
		FeedDir:     getEnv("FEED_DIR", "feeds"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Sites:       make(map[string]*SiteConfig),
	}

	if interval := os.Getenv("CRAWL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSiteConfigs() error {
	configDir := getEnv("SITES_DIR", "config/sites")
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return err
		}
		if site.Name == "" {
			continue
		}

		c.Sites[site.Name] = &site
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
