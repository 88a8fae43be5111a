package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func valid() *viper.Viper {
	v := viper.New()
	v.Set("DATABASE_URL", "postgres://u:p@localhost/racesync")
	v.Set("JWT_SECRET", "secret")
	v.Set("MYSQL_DSN", "user:pass@tcp(localhost:3306)/mirror")
	return v
}

func TestDefaults(t *testing.T) {
	cfg := FromViper(valid())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.Sync.BatchSize != 500 {
		t.Fatalf("batch size = %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.StructuralInterval != 24*time.Hour || cfg.Sync.RealtimeInterval != time.Minute {
		t.Fatalf("bad intervals %+v", cfg.Sync)
	}
	if cfg.Feed.Driver != FeedMirror || cfg.StoreDriver != StorePostgres {
		t.Fatalf("bad drivers %q %q", cfg.Feed.Driver, cfg.StoreDriver)
	}
	if cfg.PostgresDSN() != "postgres://u:p@localhost/racesync" {
		t.Fatalf("DATABASE_URL should win, got %s", cfg.PostgresDSN())
	}
}

func TestDurationsFromStrings(t *testing.T) {
	v := valid()
	v.Set("SYNC_REALTIME_INTERVAL", "30s")
	v.Set("TLS_DOMAINS", " a.example , b.example,")
	cfg := FromViper(v)
	if cfg.Sync.RealtimeInterval != 30*time.Second {
		t.Fatalf("interval = %s", cfg.Sync.RealtimeInterval)
	}
	if len(cfg.TLSDomains) != 2 || cfg.TLSDomains[1] != "b.example" {
		t.Fatalf("domains = %v", cfg.TLSDomains)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	v := viper.New()
	v.Set("FEED_DRIVER", "carrier-pigeon")
	v.Set("SYNC_BATCH_SIZE", 0)
	v.Set("TELEGRAM_TOKEN", "abc")
	err := FromViper(v).Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"DATABASE_URL", "JWT_SECRET", "FEED_DRIVER", "SYNC_BATCH_SIZE", "TELEGRAM_CHAT_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestMemoryStoreNeedsNoDatabase(t *testing.T) {
	v := viper.New()
	v.Set("STORE_DRIVER", "memory")
	v.Set("FEED_DRIVER", "none")
	v.Set("JWT_SECRET", "secret")
	if err := FromViper(v).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
