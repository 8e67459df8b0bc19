package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	cfg, err := fromViper(viper.New())
	if err != nil {
		t.Fatalf("fromViper: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
	if cfg.MFADisableDelay != 24*time.Hour {
		t.Fatalf("unexpected mfa delay %s", cfg.MFADisableDelay)
	}
	if cfg.DeletionDelay != 30*24*time.Hour {
		t.Fatalf("unexpected deletion delay %s", cfg.DeletionDelay)
	}
	if cfg.LockoutThreshold != 5 || cfg.LockoutDuration != 15*time.Minute {
		t.Fatalf("unexpected lockout policy %d/%s", cfg.LockoutThreshold, cfg.LockoutDuration)
	}
	if cfg.AMQPQueue != "staff.security" || cfg.RedisDB != 0 {
		t.Fatalf("unexpected broker defaults %q/%d", cfg.AMQPQueue, cfg.RedisDB)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("unexpected location %v", cfg.Location())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAFFSEC_SWEEP_INTERVAL", "5s")
	t.Setenv("STAFFSEC_LOCKOUT_THRESHOLD", "3")
	t.Setenv("STAFFSEC_HTTP_ADDR", ":9999")

	cfg, err := fromViper(viper.New())
	if err != nil {
		t.Fatalf("fromViper: %v", err)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("unexpected sweep interval %s", cfg.SweepInterval)
	}
	if cfg.LockoutThreshold != 3 {
		t.Fatalf("unexpected threshold %d", cfg.LockoutThreshold)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("STAFFSEC_LOCKOUT_THRESHOLD", "0")
	if _, err := fromViper(viper.New()); err == nil {
		t.Fatal("expected error for zero threshold")
	}
}

func TestValidateRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("STAFFSEC_DEFAULT_TIMEZONE", "Mars/Olympus")
	if _, err := fromViper(viper.New()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("STAFFSEC_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7,2001:db8::/32")

	cfg, err := fromViper(viper.New())
	if err != nil {
		t.Fatalf("fromViper: %v", err)
	}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	want := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}
	if len(prefixes) != len(want) {
		t.Fatalf("expected %d prefixes, got %v", len(want), prefixes)
	}
	for i := range want {
		if prefixes[i] != want[i] {
			t.Fatalf("prefix %d: expected %s, got %s", i, want[i], prefixes[i])
		}
	}
}

func TestNoTrustedProxiesByDefault(t *testing.T) {
	cfg, err := fromViper(viper.New())
	if err != nil {
		t.Fatalf("fromViper: %v", err)
	}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil || len(prefixes) != 0 {
		t.Fatalf("expected no trusted proxies, got %v (%v)", prefixes, err)
	}
}

func TestValidateRejectsBadTrustedProxy(t *testing.T) {
	t.Setenv("STAFFSEC_TRUSTED_PROXIES", "10.0.0.0/40")
	if _, err := fromViper(viper.New()); err == nil {
		t.Fatal("expected error for malformed trusted proxy")
	}
}
