package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/devlink/pkg/config"
	"github.com/openfroyo/devlink/pkg/device"
	"github.com/openfroyo/devlink/pkg/stores"
	"github.com/openfroyo/devlink/pkg/telemetry"
	"github.com/openfroyo/devlink/pkg/transports/ssh"
)

// session is a connected device plus the process-wide services it uses.
type session struct {
	profile *config.Profile
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	device  *device.Device
}

// loadProfile reads the profile named by --config, or starts from the
// defaults, and applies the device flags on top.
func loadProfile(flags *globalFlags) (*config.Profile, error) {
	p := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		p = loaded
	}

	if flags.address != "" {
		p.Device.Address = flags.address
	}
	if flags.user != "" {
		p.Device.Username = flags.user
	}
	if flags.port != 0 {
		p.Device.Port = flags.port
	}
	if flags.iface != "" {
		p.Device.InterfaceName = flags.iface
	}
	if flags.home != "" {
		p.Device.HomeDirectory = flags.home
	}
	if flags.password != "" {
		p.Auth.Password = flags.password
	}
	if flags.keyPath != "" {
		p.Auth.Method = string(ssh.AuthMethodKey)
		p.Auth.PrivateKeyPath = flags.keyPath
	}
	if flags.database != "" {
		p.HostKeys.Database = flags.database
		p.HostKeys.KnownHostsFile = ""
	}
	if flags.noHostKey {
		p.HostKeys.Database = ""
		p.HostKeys.KnownHostsFile = ""
	}
	if flags.verbose {
		p.Telemetry.Logging.Level = "debug"
	}
	if flags.metricsAddr != "" {
		p.Telemetry.Metrics.Enabled = true
		p.Telemetry.Metrics.ListenAddress = flags.metricsAddr
	}

	return p, nil
}

// newTelemetry builds the process telemetry and makes its logger the global one.
func newTelemetry(p *config.Profile) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&p.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = *tel.Logger.Zerolog()

	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return tel, nil
}

// openStore opens the profile's trust database, or returns nil when the
// profile does not use one.
func openStore(ctx context.Context, p *config.Profile, logger *zerolog.Logger) (*stores.SQLiteStore, error) {
	cfg, ok := p.StoreConfig()
	if !ok {
		return nil, nil
	}
	cfg.Logger = logger

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// requireStore opens the trust database for commands that only need local state.
func requireStore(ctx context.Context, flags *globalFlags) (*stores.SQLiteStore, error) {
	p, err := loadProfile(flags)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, p, nil)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no host key database configured")
	}
	return store, nil
}

// connect loads the profile, wires the device and connects it.
func connect(cmd *cobra.Command, flags *globalFlags) (*session, error) {
	ctx := cmd.Context()

	p, err := loadProfile(flags)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tel, err := newTelemetry(p)
	if err != nil {
		return nil, err
	}
	s := &session{profile: p, tel: tel}

	devLog := tel.Logger.WithDevice(p.Device.Address, p.Device.Username)
	logger := devLog.Zerolog()
	s.store, err = openStore(ctx, p, logger)
	if err != nil {
		s.close()
		return nil, err
	}

	sshCfg := p.SSHConfig()
	sshCfg.Logger = logger
	sshCfg.Metrics = tel.Metrics
	if s.store != nil {
		sshCfg.HostKeyCallback = s.store.HostKeyCallback(ctx)
	}
	if sshCfg.AuthMethod == ssh.AuthMethodInteractive || (sshCfg.Password == "" && isTerminal(os.Stdin)) {
		sshCfg.Responder = terminalResponder(os.Stdin, cmd.ErrOrStderr())
	}

	client, err := ssh.NewSSHClient(sshCfg)
	if err != nil {
		s.close()
		return nil, err
	}

	// the device adds its own address and user fields
	opts := device.Options{
		Logger:  tel.Logger.Zerolog(),
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
	}
	if s.store != nil {
		opts.Sessions = s.store
	}
	s.device = device.New(p.Descriptor(), client, opts)

	s.device.Subscribe(func(e device.Event) {
		l := devLog.WithSessionID(e.SessionID).Zerolog()
		l.Debug().Str("event", string(e.Type)).Msg("device event")
	}, nil)

	if err := s.device.Connect(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// close disconnects the device and shuts down the services.
func (s *session) close() {
	if s.device != nil {
		_ = s.device.Disconnect()
	}
	if s.store != nil {
		_ = s.store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}

// withDevice connects, runs fn and disconnects.
func withDevice(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, d *device.Device) error) error {
	s, err := connect(cmd, flags)
	if err != nil {
		return err
	}
	defer s.close()

	return fn(cmd.Context(), s.device)
}
