package app

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/marcostork/keylime/pkg/config"
	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/policy"
	"github.com/marcostork/keylime/pkg/revocation"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/kvstore"
	"github.com/marcostork/keylime/pkg/transport"
	"github.com/marcostork/keylime/pkg/verifier"
)

var (
	ErrInvalidSigningKey = errors.New("app: platform signing key unusable")
)

type App struct {
	AttestationConfig config.Attestation `yaml:"attestation" json:"attestation" mapstructure:"attestation"`
	RevocationConfig  config.Revocation  `yaml:"revocation" json:"revocation" mapstructure:"revocation"`
	DatastoreConfig   datastore.Config   `yaml:"datastore" json:"datastore" mapstructure:"datastore"`
	ConfigDir         string             `yaml:"config-dir" json:"config_dir" mapstructure:"config-dir"`
	DebugFlag         bool               `yaml:"debug" json:"debug" mapstructure:"debug"`
	LogDir            string             `yaml:"log-dir" json:"log_dir" mapstructure:"log-dir"`
	PlatformDir       string             `yaml:"platform-dir" json:"platform_dir" mapstructure:"platform-dir"`

	FS          afero.Fs            `yaml:"-" json:"-" mapstructure:"-"`
	Logger      *logging.Logger     `yaml:"-" json:"-" mapstructure:"-"`
	AgentDAO    datastore.AgentDAO  `yaml:"-" json:"-" mapstructure:"-"`
	PolicyStore policy.Store        `yaml:"-" json:"-" mapstructure:"-"`
	SigningKey  *ecdsa.PrivateKey   `yaml:"-" json:"-" mapstructure:"-"`
}

func NewApp() *App {
	return &App{
		AttestationConfig: config.DefaultAttestation,
		RevocationConfig:  config.DefaultRevocation,
		DatastoreConfig:   datastore.DefaultConfig,
		FS:                afero.NewOsFs(),
	}
}

type AppInitParams struct {
	ConfigDir   string
	Debug       bool
	LogDir      string
	PlatformDir string
}

// Initialize the service by loading the platform configuration file,
// the logger, the agent datastore, the policy store, and the service
// signing key.
func (app *App) Init(initParams *AppInitParams) (*App, error) {
	if initParams != nil {
		app.DebugFlag = initParams.Debug
		app.ConfigDir = initParams.ConfigDir
		app.LogDir = initParams.LogDir
		app.PlatformDir = initParams.PlatformDir
	}
	if err := app.initConfig(); err != nil {
		return nil, err
	}
	if err := app.initLogger(); err != nil {
		return nil, err
	}
	if err := app.initStores(); err != nil {
		return nil, err
	}
	if err := app.initSigningKey(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *App) initConfig() error {

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(app.ConfigDir)
	viper.AddConfigPath(fmt.Sprintf("%s/etc", app.PlatformDir))
	viper.AddConfigPath(fmt.Sprintf("$HOME/.%s/", Name))
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		// A missing configuration file runs on defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return viper.Unmarshal(app)
}

func (app *App) initLogger() error {

	logFile, err := app.InitLogFile()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if app.DebugFlag {
		level = slog.LevelDebug
	}
	app.Logger = logging.NewLogger(level, logFile)

	if app.DebugFlag {
		app.Logger.Debug("Starting logger in debug mode...")
		for k, v := range viper.AllSettings() {
			app.Logger.Debugf("%s: %+v", k, v)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		app.Logger.Infof("Using configuration file: %s", used)
	}
	return nil
}

func (app *App) InitLogFile() (afero.File, error) {
	if app.LogDir == "" {
		app.LogDir = "log"
	}
	if err := app.FS.MkdirAll(app.LogDir, os.ModePerm); err != nil {
		return nil, err
	}
	logFile := fmt.Sprintf("%s/%s.log", app.LogDir, Name)
	return app.FS.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
}

func (app *App) initStores() error {

	factory, err := kvstore.New(app.Logger, &app.DatastoreConfig)
	if err != nil {
		return err
	}
	if app.AgentDAO, err = factory.AgentDAO(); err != nil {
		return err
	}

	app.PolicyStore = policy.NewFileStore(
		app.Logger, app.FS, app.AttestationConfig.PolicyDir)

	return nil
}

// initSigningKey loads the service's revocation notice signing key from
// the platform directory, generating a new P-256 key on first start.
func (app *App) initSigningKey() error {

	if err := app.FS.MkdirAll(app.PlatformDir, 0700); err != nil {
		return err
	}
	keyFile := fmt.Sprintf("%s/signing-key.pem", app.PlatformDir)

	raw, err := afero.ReadFile(app.FS, keyFile)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return ErrInvalidSigningKey
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return ErrInvalidSigningKey
		}
		app.SigningKey = key
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := afero.WriteFile(app.FS, keyFile, encoded, 0600); err != nil {
		return err
	}

	app.Logger.Infof("Generated new service signing key: %s", keyFile)
	app.SigningKey = key
	return nil
}

// NewVerificationService wires the verification engine and its
// scheduler from the initialized application state.
func (app *App) NewVerificationService() (*verifier.Scheduler, error) {

	if app.SigningKey == nil {
		return nil, ErrInvalidSigningKey
	}

	signer := revocation.NewSigner(Name, app.SigningKey)

	var channels []revocation.Channel
	if app.RevocationConfig.WebhookURL != "" {
		channels = append(channels, revocation.NewWebhookChannel(
			app.RevocationConfig.WebhookURL,
			time.Duration(app.AttestationConfig.RequestTimeout)*time.Second))
	}

	dispatcher := revocation.NewDispatcher(
		app.Logger,
		signer,
		channels,
		app.RevocationConfig.MaxRetries,
		time.Duration(app.RevocationConfig.BackoffSeconds)*time.Second)

	httpTransport := transport.NewHTTPTransport(
		app.Logger,
		app.AttestationConfig.AgentScheme,
		app.AttestationConfig.AgentPort,
		app.AttestationConfig.QuotePCRs)

	engine := verifier.New(
		app.Logger,
		app.PolicyStore,
		httpTransport,
		app.AgentDAO,
		dispatcher,
		verifier.Options{
			RequestTimeout:   time.Duration(app.AttestationConfig.RequestTimeout) * time.Second,
			FailureThreshold: app.AttestationConfig.FailureThreshold,
			PollInterval:     time.Duration(app.AttestationConfig.PollInterval) * time.Second,
			BackoffFactor:    app.AttestationConfig.BackoffFactor,
			MaxBackoff:       time.Duration(app.AttestationConfig.MaxBackoff) * time.Second,
			QuotePCRs:        app.AttestationConfig.QuotePCRs,
		})

	return verifier.NewScheduler(
		app.Logger, engine, app.AttestationConfig.MaxInFlight), nil
}
