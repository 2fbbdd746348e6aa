package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tripvox/auth"
	"tripvox/cache"
	"tripvox/config"
	"tripvox/db"
	"tripvox/relay"
	"tripvox/setup"
	"tripvox/www"
	"tripvox/xunfei"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	signCmd.Flags().String("scheme", string(xunfei.SchemeStandard), "Signing scheme: standard or large-model")
	signCmd.Flags().String("lang", "", "Recognition language (scheme default if empty)")
	signCmd.Flags().Int("samplerate", xunfei.DefaultSampleRate, "Sample rate for the large-model scheme")
	sessionsCmd.Flags().Int("limit", 20, "Number of sessions to list")
	tokenCmd.Flags().String("user", "", "User id to put in the token subject")
	tokenCmd.Flags().String("email", "", "Optional email claim")
	tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(setupCmd)

	rootCmd.PersistentFlags().Int("http-port", 8000, "HTTP server port")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL for the session archive")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the issued session registry")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	config.Configure(viper.GetViper())

	logger = log.New(os.Stderr)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("Error reading config file", "error", err)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "tripvox",
	Short: "Tripvox relays live speech to the Xunfei transcription service",
	Long: `Tripvox is the speech backend of the travel planner. It relays client
audio to Xunfei real-time ASR and issues signed URLs for direct connections.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and relay server",
	Run:   runServe,
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print a signed upstream URL",
	Run:   runSign,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent relay sessions in a table",
	Run:   runSessions,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	Run:   runToken,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively configure credentials",
	Run: func(cmd *cobra.Command, args []string) {
		mainLogger, _, _, _ := createLoggers()
		if err := setup.Run(cmd.Context(), viper.GetViper(), mainLogger); err != nil {
			mainLogger.Fatal("setup failed", "error", err)
		}
	},
}

func loadConfig(l *log.Logger) *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		l.Fatal("invalid configuration", "error", err)
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, httpLogger, relayLogger, dataLogger := createLoggers()
	cfg := loadConfig(mainLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		mainLogger.Fatal("missing JWT_SECRET or jwt_secret in config.yaml")
	}
	authenticator, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		mainLogger.Fatal("configure authentication", "error", err)
	}

	signer := cfg.Signer()
	if _, err := signer.SignStandard(""); err != nil {
		mainLogger.Warn("relay will fail until credentials are set", "error", err)
	}

	var gatewayOpts []relay.GatewayOption
	if cfg.DatabaseURL != "" {
		store, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			mainLogger.Fatal("open session archive", "error", err)
		}
		defer store.Close()
		gatewayOpts = append(gatewayOpts, relay.WithRecorder(store))
		dataLogger.Info("archiving relay sessions")
	}

	var registry cache.Registry = cache.Noop{}
	if cfg.RedisURL != "" {
		reg, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			mainLogger.Fatal("connect session registry", "error", err)
		}
		defer reg.Close()
		registry = reg
		dataLogger.Info("remembering issued sessions in redis")
	}

	srv, err := www.NewServer(www.Options{
		Signer:           signer,
		Gateway:          relay.NewGateway(cfg.Relay, signer, relayLogger, gatewayOpts...),
		Auth:             authenticator,
		Registry:         registry,
		RequireRelayAuth: cfg.RequireAuth,
		Metrics:          prometheus.NewRegistry(),
		Logger:           httpLogger,
	})
	if err != nil {
		mainLogger.Fatal("build server", "error", err)
	}

	if err := www.ListenAndServe(ctx, cfg.HTTPPort, srv, httpLogger); err != nil {
		mainLogger.Fatal("start HTTP server", "error", err)
	}
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff8800"))
	urlStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00afff"))
)

func runSign(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	scheme, _ := cmd.Flags().GetString("scheme")
	lang, _ := cmd.Flags().GetString("lang")
	sampleRate, _ := cmd.Flags().GetInt("samplerate")

	ep, err := cfg.Signer().Sign(xunfei.Request{
		Scheme:     xunfei.Scheme(scheme),
		Lang:       lang,
		SampleRate: sampleRate,
	})
	if err != nil {
		mainLogger.Fatal("sign url", "error", err)
	}

	fmt.Println(labelStyle.Render("scheme     "), ep.Scheme)
	if ep.SessionID != "" {
		fmt.Println(labelStyle.Render("session id "), ep.SessionID)
	}
	fmt.Println(labelStyle.Render("expires in "), ep.ExpiresIn)
	fmt.Println(urlStyle.Render(ep.URL))
}

func runSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	if cfg.DatabaseURL == "" {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		mainLogger.Fatal("open session archive", "error", err)
	}
	defer store.Close()

	rows, err := store.RecentSessions(ctx, limit)
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err)
	}

	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "User", "Started At", "Duration", "State", "Dropped", "Transcript"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, row := range rows {
		duration := "-"
		if row.EndedAt != nil {
			duration = row.EndedAt.Sub(row.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			row.ID,
			row.UserID,
			row.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			row.State,
			fmt.Sprintf("%d", row.DroppedChunks),
			truncate(row.Transcript, 40),
		})
	}

	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runToken(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	if cfg.JWTSecret == "" {
		mainLogger.Fatal("missing JWT_SECRET or jwt_secret in config.yaml")
	}
	j, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTAlgorithm)
	if err != nil {
		mainLogger.Fatal("configure authentication", "error", err)
	}

	user, _ := cmd.Flags().GetString("user")
	email, _ := cmd.Flags().GetString("email")
	token, err := j.Issue(auth.Identity{UserID: user, Email: email}, cfg.TokenTTL())
	if err != nil {
		mainLogger.Fatal("issue token", "error", err)
	}
	fmt.Println(token)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createLoggers() (mainLogger, httpLogger, relayLogger, dataLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)
	log.SetDefault(logger)

	mainLogger = logger.With().WithPrefix("main")
	httpLogger = logger.With().WithPrefix("http")
	relayLogger = logger.With().WithPrefix("hear")
	dataLogger = logger.With().WithPrefix("data")

	return
}
