package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"chimenotify/internal/config"
	"chimenotify/internal/core"
	"chimenotify/internal/db"
	"chimenotify/internal/notifications/chime"
	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/preferences"
	"chimenotify/internal/types"
)

// preferenceStore is the subset of db.PreferenceRepository the CLI uses.
type preferenceStore interface {
	UpsertPreference(ctx context.Context, pref types.NotificationPreference) error
	DeletePreference(ctx context.Context, projectID, webhookURL string) error
	ListPreferences(ctx context.Context, projectID string) ([]types.NotificationPreference, error)
}

// deliveryLog is the subset of db.DeliveryRepository the CLI uses.
type deliveryLog interface {
	Recent(ctx context.Context, projectID string, limit int) ([]types.DeliveryRecord, error)
	Payload(ctx context.Context, id string) ([]byte, error)
}

func runSend(ctx context.Context, out io.Writer, args sendArgs) error {
	status, err := types.ParseBuildStatus(args.Status)
	if err != nil {
		return err
	}

	client, err := chime.NewClient(chime.ClientConfig{
		UserAgent:            "chimectl/" + config.NewBuildInfo().Version,
		Timeout:              args.Timeout,
		MaxRedirects:         3,
		RequireHTTPS:         !args.Insecure,
		AllowPrivateNetworks: args.Insecure,
	}, nil)
	if err != nil {
		return err
	}
	return send(ctx, out, client, args, status)
}

// send is runSend after client construction, split out for tests.
func send(ctx context.Context, out io.Writer, sender notifycore.Sender, args sendArgs, status types.BuildStatus) error {
	now := time.Now().UTC()
	event := types.BuildEvent{
		ID:            uuid.NewString(),
		ProjectID:     args.Project,
		BuildConfigID: args.BuildConfig,
		BuildNumber:   args.Number,
		Status:        status,
		StartTime:     now.Add(-time.Minute),
		FinishTime:    now,
		TriggeredBy:   "chimectl",
	}

	display := types.DefaultDisplayOptions()
	display.ContentField = args.ContentField
	pref := types.NotificationPreference{
		ProjectID:    args.Project,
		WebhookURL:   args.Webhook,
		StatusFilter: types.NewStatusFilter(status),
		Display:      display,
		Timeout:      args.Timeout,
	}

	dispatcher := notifycore.NewDispatcher(chime.NewFormatter(args.RootURL, ""), sender, nil)
	res, err := dispatcher.Deliver(ctx, event, pref)
	if err != nil {
		return err
	}

	field := args.ContentField
	if field == "" {
		field = chime.DetectContentField(args.Webhook)
	}
	fmt.Fprintf(out, "sent %s #%s (%s) to %s\n", event.ProjectID, event.BuildNumber, status, types.RedactURL(args.Webhook))
	fmt.Fprintf(out, "  field:      %s\n", field)
	fmt.Fprintf(out, "  status:     %d\n", res.Receipt.StatusCode)
	fmt.Fprintf(out, "  message id: %s\n", res.Receipt.ProviderMessageID)
	fmt.Fprintf(out, "  latency:    %s\n", res.Receipt.Latency.Round(time.Millisecond))
	return nil
}

func runValidate(out io.Writer, args validateArgs) error {
	v := core.NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)), core.WithInsecureWebhooks(args.Insecure))
	fp, err := preferences.NewFileProvider(args.File, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok (%d projects)\n", fp.Path(), fp.Projects())
	return nil
}

func runVersion(out io.Writer) error {
	fmt.Fprintf(out, "chimectl %s\n", config.NewBuildInfo())
	return nil
}

func runMigrate(ctx context.Context, out io.Writer, command string, args migrateArgs) error {
	switch command {
	case "migrate up":
		if err := db.Migrate(ctx, args.DSN); err != nil {
			return err
		}
	case "migrate down":
		if args.Down.Steps < 1 {
			return errors.New("--steps must be at least 1")
		}
		if err := db.Rollback(ctx, args.DSN, args.Down.Steps); err != nil {
			return err
		}
	}

	version, err := db.MigrationVersion(ctx, args.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version: %d\n", version)
	return nil
}

func openPool(ctx context.Context, dsn string) (func(), *db.PreferenceRepository, *db.DeliveryRepository, error) {
	pool, err := db.NewPool(ctx, config.DatabaseConfig{
		URL:            types.SecretString(dsn),
		MaxConns:       2,
		AcquireTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return pool.Close, db.NewPreferenceRepository(pool), db.NewDeliveryRepository(pool), nil
}

func withPreferenceStore(ctx context.Context, dsn string, fn func(preferenceStore) error) error {
	closeFn, prefs, _, err := openPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(prefs)
}

func withDeliveryLog(ctx context.Context, dsn string, fn func(deliveryLog) error) error {
	closeFn, _, deliveries, err := openPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(deliveries)
}

func runPrefSet(ctx context.Context, out io.Writer, store preferenceStore, args prefSetArgs) error {
	filter, err := types.ParseStatusFilter(args.Statuses)
	if err != nil {
		return err
	}
	if err := types.ValidateWebhookURL(args.Webhook, true); err != nil {
		return err
	}
	if err := types.ValidateTimeout(args.Timeout); err != nil {
		return err
	}

	display := types.DefaultDisplayOptions()
	display.MentionOnFailure = args.Mention
	display.Verbose = args.Verbose
	display.ContentField = args.Field

	pref := types.NotificationPreference{
		ProjectID:    args.Project,
		WebhookURL:   args.Webhook,
		StatusFilter: filter,
		Display:      display,
		Timeout:      args.Timeout,
	}
	if err := store.UpsertPreference(ctx, pref); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %s -> %s [%s]\n", args.Project, types.RedactURL(args.Webhook), joinStatuses(filter))
	return nil
}

func runPrefDelete(ctx context.Context, out io.Writer, store preferenceStore, args prefDeleteArgs) error {
	if err := store.DeletePreference(ctx, args.Project, args.Webhook); err != nil {
		if errors.Is(err, db.ErrPreferencesNotFound) {
			return fmt.Errorf("no subscriber %s for project %s", types.RedactURL(args.Webhook), args.Project)
		}
		return err
	}
	fmt.Fprintf(out, "deleted %s -> %s\n", args.Project, types.RedactURL(args.Webhook))
	return nil
}

func runPrefList(ctx context.Context, out io.Writer, store preferenceStore, args prefListArgs) error {
	prefs, err := store.ListPreferences(ctx, args.Project)
	if err != nil {
		return err
	}
	if len(prefs) == 0 {
		fmt.Fprintf(out, "no subscribers for %s\n", args.Project)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WEBHOOK\tSTATUSES\tTIMEOUT\tMENTION")
	for _, p := range prefs {
		timeout := "default"
		if p.Timeout > 0 {
			timeout = p.Timeout.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", types.RedactURL(p.WebhookURL), joinStatuses(p.StatusFilter), timeout, p.Display.MentionOnFailure)
	}
	return tw.Flush()
}

func runDeliveriesList(ctx context.Context, out io.Writer, log deliveryLog, args deliveriesListArgs) error {
	recs, err := log.Recent(ctx, args.Project, args.Limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(out, "no deliveries for %s\n", args.Project)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tBUILD\tSTATUS\tOUTCOME\tERROR\tHTTP\tLATENCY\tDESTINATION")
	for _, r := range recs {
		httpStatus := "-"
		if r.HTTPStatus != 0 {
			httpStatus = fmt.Sprint(r.HTTPStatus)
		}
		errKind := string(r.ErrorKind)
		if errKind == "" {
			errKind = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t#%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CreatedAt.Format(time.RFC3339), r.BuildNumber, r.Status, r.Outcome,
			errKind, httpStatus, r.Latency.Round(time.Millisecond), r.Destination)
	}
	return tw.Flush()
}

func runDeliveriesPayload(ctx context.Context, out io.Writer, log deliveryLog, args deliveriesPayloadArgs) error {
	payload, err := log.Payload(ctx, args.ID)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("delivery %s has no stored payload", args.ID)
	}
	_, err = fmt.Fprintf(out, "%s\n", payload)
	return err
}

func joinStatuses(f types.StatusFilter) string {
	statuses := f.Statuses()
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
