package cmd

import (
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"go.pilab.hu/sessionkit/authapi"
	"go.pilab.hu/sessionkit/config"
	"go.pilab.hu/sessionkit/credstore"
	"go.pilab.hu/sessionkit/log"
	"go.pilab.hu/sessionkit/session"
	"go.pilab.hu/sessionkit/storage"
	bboltstore "go.pilab.hu/sessionkit/storage/bbolt"
	redisstore "go.pilab.hu/sessionkit/storage/redis"
)

var (
	appLogger log.Logger
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "sessionctl drives the session lifecycle engine from the command line",
	Long: `A command-line interface over the session lifecycle engine. Each invocation
is one execution context over the shared credential store, so two terminals
against the same store model two tabs of the same application.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		appConfig = cfg

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		appLogger = log.NewZerologAdapter(level, cfg.LogPretty)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine assembles the storage backend, credential store and session
// manager for one CLI invocation. The returned cleanup must run before exit.
func buildEngine() (*session.Manager, func(), error) {
	master, err := appConfig.MasterKeyBytes()
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var creds *credstore.Store
	switch appConfig.StorageDriver {
	case "bbolt":
		store, err := bboltstore.New(appConfig.BBoltPath)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { store.Close() })
		backend := store.Open()
		creds, err = newCredStore(backend, master)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		closers = append(closers, func() { client.Close() })
		backend := redisstore.NewBackend(client, appConfig.KeyPrefix)
		closers = append(closers, func() { backend.Close() })
		creds, err = newCredStore(backend, master)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", appConfig.StorageDriver)
	}
	closers = append(closers, func() { creds.Close() })

	refresher := authapi.NewHTTPRefresher(appConfig.AuthRefreshURL, nil)
	mgr, err := session.NewManager(appConfig.SessionConfig(), creds, refresher, session.WithLogger(appLogger))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { mgr.Close() })

	return mgr, cleanup, nil
}

func newCredStore(backend storage.Backend, master []byte) (*credstore.Store, error) {
	return credstore.New(backend, master,
		credstore.WithLogger(appLogger),
		credstore.WithRotationPolicy(credstore.RotationPolicy{
			MaxAge:  appConfig.KeyMaxAge,
			MaxUses: appConfig.KeyMaxUses,
		}),
	)
}
