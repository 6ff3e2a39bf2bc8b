package procmgr

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultSettleTime   = 5 * time.Second
)

// ReplicaController is implemented by backends that can address single
// replicas of a service.
type ReplicaController interface {
	RestartService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service) error
	RestartReplica(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error
	SignalService(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, signal string) error
}

// ReadinessCheck returns nil when a replica serves requests.
type ReadinessCheck func(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error

// Coordinator applies the graceful method of services.
type Coordinator struct {
	PollInterval time.Duration
	SettleTime   time.Duration
	Check        ReadinessCheck

	// Sleep and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewCoordinator returns a Coordinator polling HTTP readiness endpoints.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		PollInterval: DefaultPollInterval,
		SettleTime:   DefaultSettleTime,
		Check:        HTTPReadiness(&http.Client{Timeout: 5 * time.Second}),
		Sleep:        sleepContext,
		Now:          time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reload applies the graceful method of svc through ctl.
func (c *Coordinator) Reload(ctx context.Context, ctl ReplicaController, cfg *config.ConfigFile, svc *config.Service) error {
	switch svc.GracefulMethod {
	case config.GracefulNone:
		logging.Info("Graceful", "Service %s of %s has no graceful method, skipping", svc.ServiceName, cfg.InstanceName)
		return nil
	case config.GracefulSIGHUP:
		logging.Info("Graceful", "Sending SIGHUP to %s of %s", svc.ServiceName, cfg.InstanceName)
		return ctl.SignalService(ctx, cfg, svc, "SIGHUP")
	case config.GracefulRolling:
		return c.Rolling(ctx, ctl, cfg, svc)
	default:
		logging.Info("Graceful", "Restarting %s of %s", svc.ServiceName, cfg.InstanceName)
		return ctl.RestartService(ctx, cfg, svc)
	}
}

// Rolling restarts the replicas of svc one at a time. After each restart
// it waits for the replica to pass its readiness check, or for the settle
// time when the service type has none. The first replica that fails aborts
// the restart; replicas after it are left alone.
func (c *Coordinator) Rolling(ctx context.Context, ctl ReplicaController, cfg *config.ConfigFile, svc *config.Service) error {
	t, _ := svc.Type()
	checked := t != nil && t.ReadinessPath != "" && c.Check != nil

	for i := range svc.Replicas() {
		if checked {
			if err := c.Check(ctx, cfg, svc, i); err != nil {
				logging.UserWarn("%s replica %d of %s is not ready before its restart: %v", svc.ServiceName, i, cfg.InstanceName, err)
			}
		}
		logging.Info("Graceful", "Restarting %s replica %d of %s", svc.ServiceName, i, cfg.InstanceName)
		if err := ctl.RestartReplica(ctx, cfg, svc, i); err != nil {
			return &errdefs.RollingRestartError{Service: svc.ServiceName, Replica: i, Err: err}
		}
		if !checked {
			if err := c.sleep(ctx, c.SettleTime); err != nil {
				return &errdefs.RollingRestartError{Service: svc.ServiceName, Replica: i, Err: err}
			}
			continue
		}
		if err := c.waitReady(ctx, cfg, svc, i); err != nil {
			return &errdefs.RollingRestartError{Service: svc.ServiceName, Replica: i, Err: err}
		}
		logging.Info("Graceful", "%s replica %d of %s is ready", svc.ServiceName, i, cfg.InstanceName)
	}
	return nil
}

func (c *Coordinator) waitReady(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error {
	timeout := svc.RestartTimeout()
	deadline := c.now().Add(timeout)
	for {
		err := c.Check(ctx, cfg, svc, replica)
		if err == nil {
			return nil
		}
		logging.Debug("Graceful", "%s replica %d not ready: %v", svc.ServiceName, replica, err)
		if !c.now().Before(deadline) {
			return &errdefs.TimeoutError{
				Operation: fmt.Sprintf("waiting for %s replica %d to become ready", svc.ServiceName, replica),
				Seconds:   timeout.Seconds(),
			}
		}
		if err := c.sleep(ctx, c.pollInterval()); err != nil {
			return err
		}
	}
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return c.Sleep(ctx, d)
}

func (c *Coordinator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// HTTPReadiness checks a replica by requesting the readiness path of its
// service type on the replica's bind address, which is either host:port or
// unix:/path/to/socket.
func HTTPReadiness(client *http.Client) ReadinessCheck {
	return func(ctx context.Context, cfg *config.ConfigFile, svc *config.Service, replica int) error {
		t, ok := svc.Type()
		if !ok || t.ReadinessPath == "" {
			return nil
		}
		bind := svc.SettingsFor(replica).String("bind", "")
		if bind == "" {
			return fmt.Errorf("%s has no bind address", svc.ServiceName)
		}

		c := client
		host := bind
		if socket, ok := strings.CutPrefix(bind, "unix:"); ok {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			}
			c = &http.Client{Timeout: client.Timeout, Transport: transport}
			host = "localhost"
		} else if h, port, err := net.SplitHostPort(bind); err == nil && (h == "" || h == "0.0.0.0" || h == "::") {
			host = net.JoinHostPort("localhost", port)
		}

		prefix := strings.TrimSuffix(config.Settings(cfg.AppConfig).String("galaxy_url_prefix", ""), "/")
		url := "http://" + host + prefix + t.ReadinessPath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s returned %s", url, resp.Status)
		}
		return nil
	}
}
