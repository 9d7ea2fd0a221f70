// Command chimectl is the operator tool for the notifier: it sends test
// notifications, checks preference files, manages the postgres preference
// store and its migrations, and inspects the delivery log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
)

type sendArgs struct {
	Webhook      string        `help:"Chime incoming webhook URL." required:""`
	Project      string        `help:"Project ID." default:"chimectl"`
	BuildConfig  string        `help:"Build configuration ID." name:"build-config"`
	Number       string        `help:"Build number." default:"0"`
	Status       string        `help:"Build status (SUCCESS, FAILURE, ERROR, FIXED, ...)." default:"SUCCESS"`
	RootURL      string        `help:"CI server root URL used for build links." name:"root-url" env:"CHIME_ROOT_URL"`
	ContentField string        `help:"Payload field holding the message. Detected from the webhook host when empty." name:"content-field"`
	Timeout      time.Duration `help:"Request timeout." default:"10s"`
	Insecure     bool          `help:"Allow plain http and private addresses (local receivers only)."`
}

type validateArgs struct {
	File     string `arg:"" help:"Preferences YAML file." type:"existingfile"`
	Insecure bool   `help:"Accept http webhook URLs."`
}

type migrateArgs struct {
	DSN     string   `help:"Postgres connection string." env:"DATABASE_URL" required:""`
	Up      struct{} `cmd:"" help:"Apply all pending migrations."`
	Down    downArgs `cmd:"" help:"Roll back migrations."`
	Version struct{} `cmd:"" help:"Print the current schema version."`
}

type downArgs struct {
	Steps int `help:"Number of migrations to roll back." default:"1"`
}

type prefSetArgs struct {
	Project  string        `arg:"" help:"Project ID."`
	Webhook  string        `arg:"" help:"Chime incoming webhook URL."`
	Statuses []string      `help:"Statuses to notify on." default:"FAILURE,ERROR,FIXED" sep:","`
	Timeout  time.Duration `help:"Per-subscriber delivery timeout (0 uses the service default)."`
	Mention  bool          `help:"Mention @Present on failures."`
	Verbose  bool          `help:"Include the change list."`
	Field    string        `help:"Payload content field override." name:"content-field"`
}

type prefDeleteArgs struct {
	Project string `arg:"" help:"Project ID."`
	Webhook string `arg:"" help:"Webhook URL to remove."`
}

type prefListArgs struct {
	Project string `arg:"" help:"Project ID."`
}

type preferencesArgs struct {
	DSN    string         `help:"Postgres connection string." env:"DATABASE_URL" required:""`
	Set    prefSetArgs    `cmd:"" help:"Add or update a subscriber."`
	Delete prefDeleteArgs `cmd:"" help:"Remove a subscriber."`
	List   prefListArgs   `cmd:"" help:"List a project's subscribers."`
}

type deliveriesListArgs struct {
	Project string `arg:"" help:"Project ID."`
	Limit   int    `help:"Maximum rows." default:"20"`
}

type deliveriesPayloadArgs struct {
	ID string `arg:"" help:"Delivery ID."`
}

type deliveriesArgs struct {
	DSN     string                `help:"Postgres connection string." env:"DATABASE_URL" required:""`
	List    deliveriesListArgs    `cmd:"" help:"Show recent deliveries for a project."`
	Payload deliveriesPayloadArgs `cmd:"" help:"Print the stored payload of a delivery."`
}

var CLI struct {
	Send        sendArgs        `cmd:"" help:"Send a test notification to a webhook."`
	Validate    validateArgs    `cmd:"" help:"Check a preferences file."`
	Migrate     migrateArgs     `cmd:"" help:"Manage the preference store schema."`
	Preferences preferencesArgs `cmd:"" help:"Manage subscribers in the postgres store."`
	Deliveries  deliveriesArgs  `cmd:"" help:"Inspect the delivery log."`
	Version     struct{}        `cmd:"" help:"Print version information."`
}

func main() {
	kctx := kong.Parse(
		&CLI,
		kong.Name("chimectl"),
		kong.Description("Operator tool for the TeamCity to Chime notifier."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, kctx.Command()); err != nil {
		fmt.Fprintf(os.Stderr, "chimectl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	out := os.Stdout

	switch command {
	case "send":
		return runSend(ctx, out, CLI.Send)
	case "validate <file>":
		return runValidate(out, CLI.Validate)
	case "version":
		return runVersion(out)

	case "migrate up", "migrate down", "migrate version":
		return runMigrate(ctx, out, command, CLI.Migrate)

	case "preferences set <project> <webhook>":
		return withPreferenceStore(ctx, CLI.Preferences.DSN, func(s preferenceStore) error {
			return runPrefSet(ctx, out, s, CLI.Preferences.Set)
		})
	case "preferences delete <project> <webhook>":
		return withPreferenceStore(ctx, CLI.Preferences.DSN, func(s preferenceStore) error {
			return runPrefDelete(ctx, out, s, CLI.Preferences.Delete)
		})
	case "preferences list <project>":
		return withPreferenceStore(ctx, CLI.Preferences.DSN, func(s preferenceStore) error {
			return runPrefList(ctx, out, s, CLI.Preferences.List)
		})

	case "deliveries list <project>":
		return withDeliveryLog(ctx, CLI.Deliveries.DSN, func(l deliveryLog) error {
			return runDeliveriesList(ctx, out, l, CLI.Deliveries.List)
		})
	case "deliveries payload <id>":
		return withDeliveryLog(ctx, CLI.Deliveries.DSN, func(l deliveryLog) error {
			return runDeliveriesPayload(ctx, out, l, CLI.Deliveries.Payload)
		})

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
