package app

import (
	"fmt"
	"io"
	"os"

	"galaxyctl/pkg/logging"
)

// Application is the controller: it ties the state store, the declaration
// loader and the process manager backends together and implements every
// operation the CLI exposes.
//
// Example usage:
//
//	application, err := app.NewApplication(app.NewConfig(false, false, ""))
//	if err != nil {
//	    return err
//	}
//	defer application.Close()
//	_, err = application.Update(ctx, app.UpdateOptions{})
type Application struct {
	config   *Config
	services *Services
}

// NewApplication configures logging and initializes the services for cfg.
func NewApplication(cfg *Config) (*Application, error) {
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	} else if cfg.Quiet {
		appLogLevel = logging.LevelWarn
	}
	logging.InitForCLI(appLogLevel, os.Stderr)

	services, err := InitializeServices(cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return NewApplicationWithServices(cfg, services), nil
}

// NewApplicationWithServices builds an Application around already
// initialized services.
func NewApplicationWithServices(cfg *Config, services *Services) *Application {
	return &Application{config: cfg, services: services}
}

// Services returns the application's components.
func (a *Application) Services() *Services {
	return a.services
}

// Close terminates the backends, waiting for foreground daemons and
// in-process children.
func (a *Application) Close() error {
	return a.services.Terminate()
}

func (a *Application) output() io.Writer {
	if a.config.Output == nil {
		return io.Discard
	}
	return a.config.Output
}
