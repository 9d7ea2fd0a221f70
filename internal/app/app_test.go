package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chimenotify/internal/config"
	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/preferences"
)

const testPreferences = `
defaults:
  status_filter: [FAILURE, FIXED]
projects:
  demo:
    - webhook_url: https://hooks.chime.aws/incomingwebhooks/abc?token=xyz
`

func writePreferences(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "preferences.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write preferences: %v", err)
	}
	return path
}

func fileConfig(path string, ttl time.Duration) *config.Config {
	return &config.Config{
		Environment: "local",
		Chime: config.ChimeConfig{
			Timeout:      5 * time.Second,
			MaxRedirects: 3,
			ContentField: "Content",
			RequireHTTPS: true,
		},
		Preferences: config.PreferencesConfig{
			Source:       config.SourceFile,
			File:         path,
			CacheTTL:     ttl,
			CacheMaxCost: 1 << 16,
			FanOut:       4,
		},
		Build: config.BuildInfo{Version: "test"},
	}
}

func TestBuild_FileSource(t *testing.T) {
	var buf bytes.Buffer
	cfg := fileConfig(writePreferences(t, testPreferences), 0)

	c, err := Build(context.Background(), cfg, NewLogger(&buf, "info"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close(context.Background())

	if c.Dispatcher == nil || c.Client == nil || c.Formatter == nil || c.Policy == nil {
		t.Fatal("core components must be wired")
	}
	if _, ok := c.Provider.(*preferences.FileProvider); !ok {
		t.Errorf("expected uncached FileProvider, got %T", c.Provider)
	}
	if c.Publisher != nil || c.Metrics != nil || c.AWS != nil {
		t.Error("optional AWS components must stay nil when disabled")
	}
	if c.Preferences != nil || c.Deliveries != nil {
		t.Error("repositories must stay nil for the file source")
	}
	if len(c.Probes) != 0 {
		t.Errorf("expected no probes, got %d", len(c.Probes))
	}

	pref, ok, err := c.Provider.GetPreferences(context.Background(), "demo")
	if err != nil || !ok {
		t.Fatalf("GetPreferences: ok=%v err=%v", ok, err)
	}
	if !strings.HasPrefix(pref.WebhookURL, "https://hooks.chime.aws/") {
		t.Errorf("unexpected webhook %q", pref.WebhookURL)
	}
	if !strings.Contains(buf.String(), "preferences loaded") {
		t.Error("expected a startup log line for the preferences file")
	}
}

func TestBuild_CachedProvider(t *testing.T) {
	cfg := fileConfig(writePreferences(t, testPreferences), time.Minute)

	c, err := Build(context.Background(), cfg, NewLogger(&bytes.Buffer{}, "info"), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := c.Provider.(*preferences.CachedProvider); !ok {
		t.Errorf("expected CachedProvider, got %T", c.Provider)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBuild_MissingFile(t *testing.T) {
	cfg := fileConfig(filepath.Join(t.TempDir(), "missing.yaml"), 0)

	if _, err := Build(context.Background(), cfg, NewLogger(&bytes.Buffer{}, "info"), Options{}); err == nil {
		t.Fatal("expected error for a missing preferences file")
	}
}

func TestBuild_InvalidFile(t *testing.T) {
	cfg := fileConfig(writePreferences(t, "projects:\n  demo:\n    - webhook_url: not-a-url\n"), 0)

	if _, err := Build(context.Background(), cfg, NewLogger(&bytes.Buffer{}, "info"), Options{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBuild_PostgresBadURL(t *testing.T) {
	cfg := fileConfig("", 0)
	cfg.Preferences.Source = config.SourcePostgres
	cfg.Database.URL = config.SecretString("::not a dsn::")

	if _, err := Build(context.Background(), cfg, NewLogger(&bytes.Buffer{}, "info"), Options{}); err == nil {
		t.Fatal("expected error for an unparseable DATABASE_URL")
	}
}

func TestRetryPolicy(t *testing.T) {
	got := RetryPolicy(config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 3})
	want := notifycore.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 3}
	if got != want {
		t.Errorf("RetryPolicy = %+v, want %+v", got, want)
	}

	if RetryPolicy(config.RetryConfig{}) != notifycore.DefaultRetryPolicy {
		t.Error("zero config must yield the default policy")
	}
}

type fakeQueueAttributes struct {
	input *sqs.GetQueueAttributesInput
	err   error
}

func (f *fakeQueueAttributes) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.input = in
	return &sqs.GetQueueAttributesOutput{}, f.err
}

func TestQueueProbe(t *testing.T) {
	fake := &fakeQueueAttributes{}
	probe := queueProbe(fake, "https://sqs.us-east-1.amazonaws.com/123/dispatch")

	if probe.Name() != "dispatch_queue" {
		t.Errorf("Name = %q", probe.Name())
	}
	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if aws.ToString(fake.input.QueueUrl) != "https://sqs.us-east-1.amazonaws.com/123/dispatch" {
		t.Errorf("QueueUrl = %q", aws.ToString(fake.input.QueueUrl))
	}

	fake.err = errors.New("access denied")
	if err := probe.Check(context.Background()); err == nil {
		t.Error("expected probe failure")
	}
}

func TestComponents_CloseReverseOrder(t *testing.T) {
	var order []int
	c := &Components{}
	for i := range 3 {
		c.closers = append(c.closers, func(context.Context) error {
			order = append(order, i)
			if i == 1 {
				return errors.New("boom")
			}
			return nil
		})
	}

	err := c.Close(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("closers ran in order %v", order)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSlogAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	log := SlogAdapter{Logger: NewLogger(&buf, "debug")}

	log.With("project_id", "demo").Warn("hello")
	if !strings.Contains(buf.String(), `"project_id":"demo"`) || !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("unexpected log output %s", buf.String())
	}
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "error")
	logger.Info("hidden")
	logger.Error("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("level filtering failed: %s", buf.String())
	}
}
