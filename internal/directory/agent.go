// Package directory keeps this instance registered in the Redis-backed
// service directory and reports its health there. The agent is fully
// decoupled from request serving: a directory outage degrades /health
// but never blocks or fails MCP or admin traffic.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

const keyPrefix = "capsrv:instances:"

// Status is the instance health as reported to the directory.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// HealthCheck probes the serving path. The agent runs it on the
// heartbeat interval under the configured timeout.
type HealthCheck func(ctx context.Context) error

// Agent registers the instance, heartbeats, and deregisters on shutdown.
type Agent struct {
	client *redis.Client
	cfg    config.DirectoryConfig
	check  HealthCheck

	host string
	port int

	mu         sync.Mutex
	status     Status
	failures   int
	registered bool

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	logger   observability.Logger
	metrics  observability.MetricsClient
	pipeline *observability.Pipeline
}

// NewAgent creates a directory agent. check may be nil, in which case the
// heartbeat only proves the process is alive.
func NewAgent(cfg config.DirectoryConfig, host string, port int, check HealthCheck,
	logger observability.Logger, metrics observability.MetricsClient,
	pipeline *observability.Pipeline) (*Agent, error) {

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid directory url")
	}

	return &Agent{
		client:   redis.NewClient(opts),
		cfg:      cfg,
		check:    check,
		host:     host,
		port:     port,
		status:   StatusHealthy,
		stop:     make(chan struct{}),
		logger:   logger.WithPrefix("directory"),
		metrics:  metrics,
		pipeline: pipeline,
	}, nil
}

// InstanceID is {service}-{host}-{port}.
func (a *Agent) InstanceID() string {
	return fmt.Sprintf("%s-%s-%d", a.cfg.ServiceName, a.host, a.port)
}

func (a *Agent) key() string { return keyPrefix + a.InstanceID() }

// Status returns the last reported health.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Ping probes the directory itself, for the /health surface.
func (a *Agent) Ping(ctx context.Context) error {
	return errors.Wrap(a.client.Ping(ctx).Err(), "directory unreachable")
}

// Start registers the instance and launches the heartbeat loop. The
// initial registration is retried in the background on failure, so a
// directory outage at boot does not delay serving.
func (a *Agent) Start(ctx context.Context) {
	if err := a.register(ctx); err != nil {
		a.logger.Warn("Initial directory registration failed, will retry on heartbeat", map[string]interface{}{
			"instance_id": a.InstanceID(),
			"error":       err.Error(),
		})
	}

	a.wg.Add(1)
	go a.heartbeatLoop()
}

// Stop deregisters and shuts the agent down. Deregistration failure is
// logged and swallowed; the key's TTL will reap it.
func (a *Agent) Stop(ctx context.Context) {
	a.stopped.Do(func() { close(a.stop) })
	a.wg.Wait()

	if err := a.client.Del(ctx, a.key()).Err(); err != nil {
		a.logger.Warn("Failed to deregister from directory", map[string]interface{}{
			"instance_id": a.InstanceID(),
			"error":       err.Error(),
		})
	} else {
		a.logger.Info("Deregistered from directory", map[string]interface{}{
			"instance_id": a.InstanceID(),
		})
	}
	_ = a.client.Close()
}

func (a *Agent) register(ctx context.Context) error {
	if err := a.writeState(ctx); err != nil {
		a.metrics.IncrementCounter("directory_errors_total", 1, map[string]string{"op": "register"})
		return errors.Wrap(err, "directory registration failed")
	}
	a.markRegistered(ctx)
	return nil
}

// writeState writes the full instance record and refreshes the TTL. The
// heartbeat uses it too, so an instance whose initial registration was
// missed still ends up with a complete record on the next tick.
func (a *Agent) writeState(ctx context.Context) error {
	tags, _ := json.Marshal(a.cfg.Tags)
	now := time.Now().UTC().Format(time.RFC3339)

	pipe := a.client.TxPipeline()
	pipe.HSetNX(ctx, a.key(), "registered_at", now)
	pipe.HSet(ctx, a.key(), map[string]interface{}{
		"service":        a.cfg.ServiceName,
		"instance_id":    a.InstanceID(),
		"host":           a.host,
		"port":           a.port,
		"tags":           string(tags),
		"status":         string(a.Status()),
		"last_heartbeat": now,
	})
	pipe.Expire(ctx, a.key(), a.cfg.DeregisterAfter)
	_, err := pipe.Exec(ctx)
	return err
}

// markRegistered logs and emits service_registered once, on the first
// write that reaches the directory.
func (a *Agent) markRegistered(ctx context.Context) {
	a.mu.Lock()
	if a.registered {
		a.mu.Unlock()
		return
	}
	a.registered = true
	a.mu.Unlock()

	a.logger.Info("Registered in service directory", map[string]interface{}{
		"instance_id": a.InstanceID(),
		"ttl":         a.cfg.DeregisterAfter.String(),
	})
	if a.pipeline != nil {
		a.pipeline.Emit(ctx, observability.EventServiceRegistered, map[string]interface{}{
			"service":     a.cfg.ServiceName,
			"instance_id": a.InstanceID(),
			"host":        a.host,
			"port":        a.port,
		})
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat()
		case <-a.stop:
			return
		}
	}
}

// heartbeat runs the health check and rewrites the directory entry. A
// directory write failure counts as a check failure: an instance that
// cannot reach the directory must not keep reporting healthy there. The
// entry is refreshed even when unhealthy: the directory stops routing to
// unhealthy instances but they stay visible until the TTL reaps them.
func (a *Agent) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HealthCheckTimeout)
	defer cancel()

	healthy := true
	if a.check != nil {
		if err := a.check(ctx); err != nil {
			healthy = false
			a.logger.Warn("Health check failed", map[string]interface{}{
				"instance_id": a.InstanceID(),
				"error":       err.Error(),
			})
		}
	}

	writeErr := a.writeState(ctx)
	if writeErr != nil {
		healthy = false
		a.metrics.IncrementCounter("directory_errors_total", 1, map[string]string{"op": "heartbeat"})
		a.logger.Warn("Heartbeat write failed", map[string]interface{}{
			"instance_id": a.InstanceID(),
			"error":       writeErr.Error(),
		})
	}

	changed := a.observe(ctx, healthy)
	if writeErr != nil {
		return
	}
	a.markRegistered(ctx)
	a.metrics.IncrementCounter("directory_heartbeats_total", 1,
		map[string]string{"status": string(a.Status())})
	if changed {
		// The status flipped after the write; push the new value now so
		// the directory does not lag a full interval behind.
		if err := a.writeState(ctx); err != nil {
			a.logger.Warn("Status update write failed", map[string]interface{}{
				"instance_id": a.InstanceID(),
				"error":       err.Error(),
			})
		}
	}
}

// observe folds one check result into the consecutive-failure count and
// emits health_changed on transitions. It reports whether the status
// changed.
func (a *Agent) observe(ctx context.Context, healthy bool) bool {
	a.mu.Lock()
	prev := a.status
	if healthy {
		a.failures = 0
		a.status = StatusHealthy
	} else {
		a.failures++
		if a.failures >= a.cfg.FailuresToUnhealthy {
			a.status = StatusUnhealthy
		}
	}
	next := a.status
	failures := a.failures
	a.mu.Unlock()

	if prev == next {
		return false
	}
	a.logger.Info("Instance health changed", map[string]interface{}{
		"instance_id": a.InstanceID(),
		"from":        string(prev),
		"to":          string(next),
		"failures":    failures,
	})
	if a.pipeline != nil {
		a.pipeline.Emit(ctx, observability.EventHealthChanged, map[string]interface{}{
			"instance_id": a.InstanceID(),
			"from":        string(prev),
			"to":          string(next),
			"failures":    failures,
		})
	}
	return true
}
