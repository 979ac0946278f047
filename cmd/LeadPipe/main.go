package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/calendar"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
)

func main() {
	envErr := loadDotEnv()
	initializeLogger(os.Getenv("LOG_LEVEL"))
	if envErr != nil {
		slog.Warn("failed to load .env file", "error", envErr)
	}

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// Only the SQLite backend keeps state on disk.
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		lock, err := lockfile.Acquire(*flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	calendarOpts := buildCalendarOptions(flags)
	authOpts := buildAuthOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping LeadPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_type", store.DetectDSNType(*flags.dbDSN), "api_addr", *flags.apiAddr)
	if err := api.Run(twilioOpts, storeOpts, genaiOpts, calendarOpts, authOpts, apiOpts...); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		// os.Exit skips deferred calls; the kernel drops the flock with the process.
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	OpenAIKey         string
	OpenAIModel       string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioNumber      string
	StatusCallbackURL string
	ValidateSignature bool
	PublicBaseURL     string
	NylasAPIKey       string
	NylasAPIURI       string
	CalendarTimezone  string
	JWTSecret         string
	DefaultTenantName string
	HistoryLimit      int
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	apiAddr           *string
	openaiKey         *string
	openaiModel       *string
	twilioSID         *string
	twilioToken       *string
	twilioNumber      *string
	statusCallbackURL *string
	validateSignature *bool
	publicBaseURL     *string
	nylasAPIKey       *string
	nylasAPIURI       *string
	calendarTimezone  *string
	jwtSecret         *string
	defaultTenantName *string
	historyLimit      *int
}

// loadDotEnv loads a .env file from the working directory when one exists.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// parseLogLevel maps LOG_LEVEL onto a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:          os.Getenv("LEADPIPE_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           os.Getenv("API_ADDR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioNumber:      os.Getenv("TWILIO_WHATSAPP_NUMBER"),
		StatusCallbackURL: os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
		ValidateSignature: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", false),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		NylasAPIKey:       os.Getenv("NYLAS_API_KEY"),
		NylasAPIURI:       os.Getenv("NYLAS_API_URI"),
		CalendarTimezone:  os.Getenv("CALENDAR_TIMEZONE"),
		JWTSecret:         os.Getenv("AUTH_JWT_SECRET"),
		DefaultTenantName: os.Getenv("DEFAULT_TENANT_NAME"),
		HistoryLimit:      util.ParsePositiveIntEnv("HISTORY_LIMIT", flow.DefaultHistoryLimit),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_VALIDATE_SIGNATURE", config.ValidateSignature,
		"NYLAS_API_KEY_SET", config.NylasAPIKey != "",
		"AUTH_JWT_SECRET_SET", config.JWTSecret != "",
		"HISTORY_LIMIT", config.HistoryLimit)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "database DSN, postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:       fs.String("openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)"),
		twilioSID:         fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:       fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioNumber:      fs.String("twilio-whatsapp-number", config.TwilioNumber, "sending WhatsApp number (overrides $TWILIO_WHATSAPP_NUMBER)"),
		statusCallbackURL: fs.String("status-callback-url", config.StatusCallbackURL, "delivery status callback URL (overrides $TWILIO_STATUS_CALLBACK_URL)"),
		validateSignature: fs.Bool("validate-signature", config.ValidateSignature, "verify webhook signatures (overrides $TWILIO_VALIDATE_SIGNATURE)"),
		publicBaseURL:     fs.String("public-base-url", config.PublicBaseURL, "public base URL of this server (overrides $PUBLIC_BASE_URL)"),
		nylasAPIKey:       fs.String("nylas-api-key", config.NylasAPIKey, "Nylas API key, empty disables booking (overrides $NYLAS_API_KEY)"),
		nylasAPIURI:       fs.String("nylas-api-uri", config.NylasAPIURI, "Nylas API base URL (overrides $NYLAS_API_URI)"),
		calendarTimezone:  fs.String("calendar-timezone", config.CalendarTimezone, "IANA zone for appointment times (overrides $CALENDAR_TIMEZONE)"),
		jwtSecret:         fs.String("jwt-secret", config.JWTSecret, "operator token secret, empty disables the console API (overrides $AUTH_JWT_SECRET)"),
		defaultTenantName: fs.String("default-tenant-name", config.DefaultTenantName, "name of the tenant created on first start (overrides $DEFAULT_TENANT_NAME)"),
		historyLimit:      fs.Int("history-limit", config.HistoryLimit, "stored messages replayed to the model (overrides $HISTORY_LIMIT)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Follow an overridden state directory when the DSN is the derived default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"validateSignature", *flags.validateSignature,
		"historyLimit", *flags.historyLimit)
	return flags
}

// buildTwilioOptions constructs messaging gateway options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioNumber))
	}
	if *flags.statusCallbackURL != "" {
		opts = append(opts, twiliowhatsapp.WithStatusCallbackURL(*flags.statusCallbackURL))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildCalendarOptions constructs calendar client options
func buildCalendarOptions(flags Flags) []calendar.Option {
	var opts []calendar.Option
	if *flags.nylasAPIKey != "" {
		opts = append(opts, calendar.WithAPIKey(*flags.nylasAPIKey))
	}
	if *flags.nylasAPIURI != "" {
		opts = append(opts, calendar.WithAPIURI(*flags.nylasAPIURI))
	}
	if *flags.calendarTimezone != "" {
		opts = append(opts, calendar.WithTimezone(*flags.calendarTimezone))
	}
	return opts
}

// buildAuthOptions constructs operator authentication options
func buildAuthOptions(flags Flags) []auth.Option {
	opts := []auth.Option{auth.WithOnAuthenticated(logOperatorSignIn)}
	if *flags.jwtSecret != "" {
		opts = append(opts, auth.WithSecret(*flags.jwtSecret))
	}
	return opts
}

// logOperatorSignIn records each authenticated console request.
func logOperatorSignIn(_ context.Context, op auth.Operator, claims *auth.Claims) {
	slog.Info("operator authenticated", "userID", op.UserID, "tenantID", op.TenantID, "email", claims.Email)
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithHistoryLimit(*flags.historyLimit)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.publicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(*flags.publicBaseURL))
	}
	if *flags.defaultTenantName != "" {
		apiOpts = append(apiOpts, api.WithDefaultTenantName(*flags.defaultTenantName))
	}
	if *flags.validateSignature {
		if *flags.twilioToken == "" {
			slog.Warn("Signature validation requested without a Twilio auth token, leaving it disabled")
		} else {
			apiOpts = append(apiOpts, api.WithSignatureValidation(*flags.twilioToken))
		}
	}
	return apiOpts
}
