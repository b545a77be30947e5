package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realcast-live/internal/auth"
	"realcast-live/internal/hub"
)

const (
	serverKey     = "server"
	tokenKey      = "token"
	defaultServer = "http://localhost:8080"
)

// newRootCmd builds the command tree. Server and control token come from
// flags, falling back to REALCAST_SERVER and REALCAST_CONTROL_TOKEN.
func newRootCmd(out io.Writer, httpClient *http.Client) *cobra.Command {
	v := viper.New()
	var client *apiClient

	root := &cobra.Command{
		Use:           "realcastctl",
		Short:         "Control a realcast hub over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(v.GetString(serverKey), v.GetString(tokenKey), httpClient)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("server", defaultServer, "base URL of the hub")
	flags.String("token", "", "control token (default $REALCAST_CONTROL_TOKEN)")
	_ = v.BindPFlag(serverKey, flags.Lookup("server"))
	_ = v.BindPFlag(tokenKey, flags.Lookup("token"))
	_ = v.BindEnv(serverKey, "REALCAST_SERVER")
	_ = v.BindEnv(tokenKey, "REALCAST_CONTROL_TOKEN")

	api := func() *apiClient { return client }
	root.AddCommand(
		newTokenCmd(api),
		newLifecycleCmd(api),
		newKeysCmd(api),
		newChannelsCmd(api),
		newHealthCmd(api),
	)
	return root
}

type clientFunc func() *apiClient

func newTokenCmd(api clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue and revoke playback tokens"}

	var (
		viewerID  string
		channelID string
		role      string
		ttl       time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a playback token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(channelID) == "" {
				return errors.New("--viewer and --channel are required")
			}
			parsed, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if ttl < 0 {
				return errors.New("--ttl must not be negative")
			}
			body := map[string]any{
				"viewerId":   viewerID,
				"channelId":  channelID,
				"role":       string(parsed),
				"ttlSeconds": int(ttl / time.Second),
			}
			return api().do(cmd.Context(), http.MethodPost, "api/tokens", body, cmd.OutOrStdout())
		},
	}
	issue.Flags().StringVar(&viewerID, "viewer", "", "viewer id")
	issue.Flags().StringVar(&channelID, "channel", "", "channel id")
	issue.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, moderator or broadcaster")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (server default when zero)")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a playback token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api().do(cmd.Context(), http.MethodPost, "api/tokens/revoke", map[string]string{"token": args[0]}, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(issue, revoke)
	return cmd
}

func newLifecycleCmd(api clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "lifecycle CHANNEL live|offline",
		Short: "Send a lifecycle notification for a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, ok := hub.ParseLifecycleEvent(args[1])
			if !ok {
				return fmt.Errorf("unknown lifecycle event %q", args[1])
			}
			body := map[string]string{"channelId": args[0], "event": string(event)}
			return api().do(cmd.Context(), http.MethodPost, "api/lifecycle", body, cmd.OutOrStdout())
		},
	}
}

func newKeysCmd(api clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage channel encryption keys"}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate CHANNEL",
		Short: "Rotate the active key of a live channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api().do(cmd.Context(), http.MethodPost, channelPath(args[0], "keys", "rotate"), nil, cmd.OutOrStdout())
		},
	})
	return cmd
}

func newChannelsCmd(api clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "channels", Short: "Inspect channels"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api().do(cmd.Context(), http.MethodGet, "api/channels", nil, cmd.OutOrStdout())
		},
	}
	get := &cobra.Command{
		Use:   "get CHANNEL",
		Short: "Show one channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api().do(cmd.Context(), http.MethodGet, channelPath(args[0]), nil, cmd.OutOrStdout())
		},
	}

	var (
		kind  string
		since time.Duration
		limit int
	)
	audit := &cobra.Command{
		Use:   "audit CHANNEL",
		Short: "Show the audit trail of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if kind != "" {
				query.Set("kind", kind)
			}
			if since > 0 {
				query.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := channelPath(args[0], "audit")
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			return api().do(cmd.Context(), http.MethodGet, path, nil, cmd.OutOrStdout())
		},
	}
	audit.Flags().StringVar(&kind, "kind", "", "only records of this kind")
	audit.Flags().DurationVar(&since, "since", 0, "only records newer than this")
	audit.Flags().IntVar(&limit, "limit", 0, "maximum number of records")

	cmd.AddCommand(list, get, audit)
	return cmd
}

func newHealthCmd(api clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report hub component health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api().do(cmd.Context(), http.MethodGet, "healthz", nil, cmd.OutOrStdout())
		},
	}
}

func channelPath(channelID string, parts ...string) string {
	segments := append([]string{"api", "channels", url.PathEscape(channelID)}, parts...)
	return strings.Join(segments, "/")
}
