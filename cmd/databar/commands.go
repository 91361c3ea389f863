package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/auth"
	"github.com/codeGROOVE-dev/databar/pkg/display"
	"github.com/codeGROOVE-dev/databar/pkg/property"
	"github.com/codeGROOVE-dev/databar/pkg/propertystore"
	"github.com/codeGROOVE-dev/databar/pkg/refresh"
	"github.com/codeGROOVE-dev/databar/pkg/settings"
)

const cliRefreshTimeout = 2 * time.Minute

// withEnv runs fn with a quiet environment.
func withEnv(g *globalFlags, fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := g.open(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, e, args)
	}
}

// resolveProperty finds a configured property by local UUID, analytics
// property ID, or 1-based position.
func resolveProperty(store *propertystore.Store, ref string) (property.Configured, error) {
	props := store.Properties()
	if id, err := uuid.Parse(ref); err == nil {
		if p, ok := store.Get(id); ok {
			return p, nil
		}
	}
	resource := analytics.ResourceName(ref)
	for _, p := range props {
		if p.PropertyID == ref || p.PropertyID == resource {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(props) {
		return props[n-1], nil
	}
	return property.Configured{}, fmt.Errorf("%w: %q", property.ErrNotFound, ref)
}

func newPropertiesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "properties",
		Aliases: []string{"props"},
		Short:   "Manage the properties shown in the tray",
		Args:    cobra.NoArgs,
		RunE:    withEnv(g, listProperties),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured properties",
			Args:  cobra.NoArgs,
			RunE:  withEnv(g, listProperties),
		},
		newCatalogCmd(g),
		newAddCmd(g),
		&cobra.Command{
			Use:   "remove <ref>...",
			Short: "Stop showing properties",
			Args:  cobra.MinimumNArgs(1),
			RunE:  withEnv(g, removeProperties),
		},
		&cobra.Command{
			Use:   "move <ref> <target-ref>",
			Short: "Move a property to another property's position",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(g, moveProperty),
		},
		newEditCmd(g),
	)
	return cmd
}

func listProperties(cmd *cobra.Command, e *env, _ []string) error {
	writeProperties(cmd.OutOrStdout(), e.store.Properties())
	return nil
}

func writeProperties(out io.Writer, props []property.Configured) {
	if len(props) == 0 {
		fmt.Fprintln(out, "No properties configured. Add one with 'databar properties add'.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tPROPERTY\tACCOUNT\tICON\tLABEL\tID")
	for i, p := range props {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, p.EffectiveDisplayName(), p.PropertyID, p.AccountDisplayName, p.DisplayIcon, p.DisplayLabel, p.ID)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "flush output: %v\n", err)
	}
}

func newCatalogCmd(g *globalFlags) *cobra.Command {
	var refreshCache bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the properties your account can access",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, func(cmd *cobra.Command, e *env, _ []string) error {
			svc, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			if svc.catalog == nil {
				return svc.authErr
			}
			props, err := svc.catalog.Load(cmd.Context(), refreshCache)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROPERTY\tNAME\tACCOUNT")
			for _, p := range props {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.AccountName)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&refreshCache, "refresh", false, "bypass the local catalog cache")
	return cmd
}

func newAddCmd(g *globalFlags) *cobra.Command {
	var name, account string
	cmd := &cobra.Command{
		Use:   "add <property-id>",
		Short: "Add a property, e.g. 'databar properties add 123456789'",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(g, func(cmd *cobra.Command, e *env, args []string) error {
			c := property.Candidate{
				PropertyID:         analytics.ResourceName(args[0]),
				PropertyName:       name,
				AccountDisplayName: account,
			}
			if c.PropertyName == "" {
				c = lookupCandidate(cmd.Context(), e, c)
			}
			p, err := e.store.Add(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", p.EffectiveDisplayName(), p.PropertyID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "property name (default: looked up from the catalog)")
	cmd.Flags().StringVar(&account, "account", "", "account name")
	return cmd
}

// lookupCandidate fills in names from the catalog. Failures leave the
// candidate as given, named after its ID.
func lookupCandidate(ctx context.Context, e *env, c property.Candidate) property.Candidate {
	svc, err := e.connect(ctx)
	if err == nil && svc.catalog != nil {
		props, lerr := svc.catalog.Load(ctx, false)
		err = lerr
		for _, p := range props {
			if p.ID == c.PropertyID {
				return p.Candidate()
			}
		}
	}
	if err != nil {
		e.logger.Info("[MAIN] Property catalog unavailable", "error", err)
	}
	c.PropertyName = c.PropertyID
	return c
}

func removeProperties(cmd *cobra.Command, e *env, args []string) error {
	ids := make([]uuid.UUID, 0, len(args))
	for _, ref := range args {
		p, err := resolveProperty(e.store, ref)
		if err != nil {
			return err
		}
		ids = append(ids, p.ID)
	}
	n, err := e.store.Remove(ids...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s\n", n, plural(n, "property", "properties"))
	return nil
}

func moveProperty(cmd *cobra.Command, e *env, args []string) error {
	src, err := resolveProperty(e.store, args[0])
	if err != nil {
		return err
	}
	dst, err := resolveProperty(e.store, args[1])
	if err != nil {
		return err
	}
	if err := e.store.Move(src.ID, dst.ID); err != nil {
		return err
	}
	writeProperties(cmd.OutOrStdout(), e.store.Properties())
	return nil
}

func newEditCmd(g *globalFlags) *cobra.Command {
	var iconName, label, name string
	cmd := &cobra.Command{
		Use:   "edit <ref>",
		Short: "Change a property's icon, label, or display name",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(g, func(cmd *cobra.Command, e *env, args []string) error {
			p, err := resolveProperty(e.store, args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			updated, err := e.store.Update(p.ID, func(a *property.Appearance) {
				if flags.Changed("icon") {
					a.DisplayIcon = iconName
				}
				if flags.Changed("label") {
					a.DisplayLabel = label
				}
				if flags.Changed("name") {
					a.CustomDisplayName = name
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", updated.EffectiveDisplayName())
			return nil
		}),
	}
	cmd.Flags().StringVar(&iconName, "icon", "", "icon name, one of: "+strings.Join(property.CuratedIcons, ", "))
	cmd.Flags().StringVar(&label, "label", "", fmt.Sprintf("short label, at most %d characters (empty clears)", property.MaxLabelLength))
	cmd.Flags().StringVar(&name, "name", "", "custom display name (empty restores the property name)")
	return cmd
}

// parseInterval accepts Go durations ("5m") or plain seconds ("300").
func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, aerr := strconv.Atoi(s)
		if aerr != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", s, err)
		}
		d = time.Duration(secs) * time.Second
	}
	if !settings.Allowed(d) {
		labels := make([]string, 0, len(settings.AllowedIntervals))
		for _, a := range settings.AllowedIntervals {
			labels = append(labels, a.String())
		}
		return 0, fmt.Errorf("unsupported interval %v, choose one of %s", d, strings.Join(labels, ", "))
	}
	return d, nil
}

func newIntervalCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "interval [duration]",
		Short: "Show or set the refresh interval",
		Args:  cobra.MaximumNArgs(1),
		RunE: withEnv(g, func(cmd *cobra.Command, e *env, args []string) error {
			if len(args) == 1 {
				d, err := parseInterval(args[0])
				if err != nil {
					return err
				}
				if err := e.settings.SetRefreshInterval(d); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refresh every %s\n", settings.IntervalLabel(e.settings.RefreshInterval()))
			return nil
		}),
	}
}

func newRefreshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch active users once and print the tray title",
		Args:  cobra.NoArgs,
		RunE: withEnv(g, func(cmd *cobra.Command, e *env, _ []string) error {
			svc, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			sched := refresh.New(e.store, svc.tokens, svc.client, refresh.Options{Logger: e.logger})
			defer sched.Close()
			return refreshOnce(cmd.Context(), cmd.OutOrStdout(), sched)
		}),
	}
}

// refreshOnce runs a single pass and prints the resulting title and tooltip.
func refreshOnce(ctx context.Context, out io.Writer, sched *refresh.Scheduler) error {
	ctx, cancel := context.WithTimeout(ctx, cliRefreshTimeout)
	defer cancel()

	sched.RequestRefresh("cli")
	if err := sched.WaitIdle(ctx); err != nil {
		return fmt.Errorf("wait for refresh: %w", err)
	}

	snap := sched.Snapshot()
	title := display.Derive(snap.Properties, snap.States)
	fmt.Fprintln(out, title.Text(glyph))
	fmt.Fprintln(out, display.Tooltip(snap.Properties, snap.States, time.Now()))
	if title.Status() == display.StatusError {
		return errors.New("one or more properties failed to refresh; see the log for details")
	}
	return nil
}

func newAuthCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage Google Analytics credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "import [file|-]",
			Short: "Store an OAuth token (JSON with access_token and optional refresh_token)",
			Args:  cobra.MaximumNArgs(1),
			RunE: withEnv(g, func(cmd *cobra.Command, e *env, args []string) error {
				var data []byte
				var err error
				if len(args) == 0 || args[0] == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(args[0])
				}
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				tok, err := auth.ImportToken(e.kv, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token stored (refreshable: %t)\n", tok.RefreshToken != "")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which credentials will be used",
			Args:  cobra.NoArgs,
			RunE: withEnv(g, func(cmd *cobra.Command, e *env, _ []string) error {
				out := cmd.OutOrStdout()
				_, method, err := auth.Source(cmd.Context(), e.kv, e.logger)
				if err != nil {
					fmt.Fprintf(out, "Signed out: %v\n", err)
					return nil
				}
				fmt.Fprintf(out, "Credentials: %s\n", method)
				if tok, err := auth.StoredToken(e.kv); err == nil && method == auth.MethodStored {
					fmt.Fprintf(out, "Expires: %s\nRefreshable: %t\n", expiryText(tok.Expiry), tok.RefreshToken != "")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Delete the stored token",
			Args:  cobra.NoArgs,
			RunE: withEnv(g, func(cmd *cobra.Command, e *env, _ []string) error {
				if err := auth.ForgetToken(e.kv); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Stored token removed")
				return nil
			}),
		},
	)
	return cmd
}

func expiryText(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC1123)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
