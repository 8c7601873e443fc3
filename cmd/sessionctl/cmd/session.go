package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/sessionkit/activity"
	"go.pilab.hu/sessionkit/domain"
)

var (
	createUserID       string
	createAccessToken  string
	createRefreshToken string
	extendBy           time.Duration
	activitySignal     string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session from an already-acquired credential triple",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		sess, err := mgr.CreateSession(cmd.Context(), createUserID, createAccessToken, createRefreshToken)
		if err != nil {
			return err
		}
		return printSession(sess, mgr.TimeRemaining())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted session, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		sess, err := mgr.Restore(cmd.Context())
		if err != nil {
			return err
		}
		if sess == nil {
			fmt.Println("no active session")
			return nil
		}
		return printSession(sess, mgr.TimeRemaining())
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Extend the session expiry (stay signed in)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := mgr.Restore(cmd.Context()); err != nil {
			return err
		}
		sess, err := mgr.ExtendSession(cmd.Context(), extendBy)
		if err != nil {
			return err
		}
		return printSession(sess, mgr.TimeRemaining())
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Renew the credentials against the auth API now",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := mgr.Restore(cmd.Context()); err != nil {
			return err
		}
		sess, err := mgr.RefreshSession(cmd.Context())
		if err != nil {
			return err
		}
		if sess == nil {
			fmt.Println("no active session")
			return nil
		}
		return printSession(sess, mgr.TimeRemaining())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and remove every persisted secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := mgr.Restore(cmd.Context()); err != nil {
			return err
		}
		return mgr.EndSession(cmd.Context(), domain.EndReasonLogout)
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch",
	Short: "Record a user-activity signal, resetting the idle deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		sess, err := mgr.Restore(cmd.Context())
		if err != nil {
			return err
		}
		if sess == nil {
			fmt.Println("no active session")
			return nil
		}
		mgr.Tracker().Signal(cmd.Context(), activity.SignalType(activitySignal))
		return printSession(mgr.GetSession(), mgr.TimeRemaining())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lifecycle events until interrupted",
	Long: `Subscribes to the engine's event bus and prints every lifecycle event.
With the redis storage driver this includes changes made by other processes;
the bbolt driver only observes changes within this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := mgr.Restore(cmd.Context()); err != nil {
			return err
		}

		off := mgr.Events().OnAny(func(ev domain.Event) {
			line := fmt.Sprintf("%s  %s", ev.At.Format(time.RFC3339), ev.Type)
			if ev.Session != nil {
				line += "  session=" + ev.Session.ID
			}
			if ev.Reason != "" {
				line += "  reason=" + string(ev.Reason)
			}
			if ev.Remaining > 0 {
				line += "  remaining=" + ev.Remaining.String()
			}
			fmt.Println(line)
		})
		defer off()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		return nil
	},
}

func printSession(sess *domain.Session, remaining time.Duration) error {
	if sess == nil {
		fmt.Println("no active session")
		return nil
	}
	out := struct {
		ID             string        `yaml:"id"`
		UserID         string        `yaml:"userId"`
		CreatedAt      time.Time     `yaml:"createdAt"`
		LastActivityAt time.Time     `yaml:"lastActivityAt"`
		ExpiresAt      time.Time     `yaml:"expiresAt"`
		IsActive       bool          `yaml:"isActive"`
		TimeRemaining  time.Duration `yaml:"timeRemaining"`
	}{sess.ID, sess.UserID, sess.CreatedAt, sess.LastActivityAt, sess.ExpiresAt, sess.IsActive, remaining}

	raw, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to render session: %w", err)
	}
	fmt.Print(string(raw))
	return nil
}

func init() {
	createCmd.Flags().StringVar(&createUserID, "user", "", "authenticated principal ID")
	createCmd.Flags().StringVar(&createAccessToken, "access-token", "", "access token from the acquisition flow")
	createCmd.Flags().StringVar(&createRefreshToken, "refresh-token", "", "refresh token from the acquisition flow")
	createCmd.MarkFlagRequired("user")
	createCmd.MarkFlagRequired("access-token")
	createCmd.MarkFlagRequired("refresh-token")

	extendCmd.Flags().DurationVar(&extendBy, "by", 30*time.Minute, "how much to push the expiry out")
	touchCmd.Flags().StringVar(&activitySignal, "signal", string(activity.SignalPointer), "signal type: pointer, key, touch, scroll")

	rootCmd.AddCommand(createCmd, statusCmd, extendCmd, refreshCmd, logoutCmd, touchCmd, watchCmd)
}
