package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/clipsa/internal/relay"
	log "github.com/sirupsen/logrus"
)

// LocalReceiptID is the message id returned for in-process execution.
const LocalReceiptID = "dev-local"

// Relay durably publishes a message to a target URL.
type Relay interface {
	Publish(ctx context.Context, msg *relay.Message) (string, error)
}

// Receipt identifies a dispatched job.
type Receipt struct {
	MessageID string `json:"messageId"`
	Local     bool   `json:"local"`
}

type dispatchOptions struct {
	delay time.Duration
}

type DispatchOption func(*dispatchOptions)

// WithDelay postpones execution.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.delay = d }
}

type DispatcherConfig struct {
	AppURL string
	// LocalMode allows relaying to a loopback app URL, e.g. with a relay
	// running on the same machine.
	LocalMode bool
}

// Dispatcher hands jobs to the relay, or runs them in-process when the relay
// cannot reach this service.
type Dispatcher struct {
	registry  *Registry
	relay     Relay // nil = no relay configured
	appURL    string
	localMode bool
	inflight  sync.WaitGroup
}

func NewDispatcher(registry *Registry, r Relay, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		relay:     r,
		appURL:    strings.TrimRight(cfg.AppURL, "/"),
		localMode: cfg.LocalMode,
	}
}

// JobsURL is the job-processing endpoint relays deliver to.
func (d *Dispatcher) JobsURL() string {
	if d.appURL == "" {
		return ""
	}
	return d.appURL + "/api/jobs"
}

// Dispatch hands the job off and returns without waiting for it to run.
func (d *Dispatcher) Dispatch(ctx context.Context, jobName string, payload any, opts ...DispatchOption) (*Receipt, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobName, err)
	}

	logger := log.WithField("jobName", jobName)

	if local, reason := d.useLocalExecution(); local {
		handler, err := d.registry.Lookup(jobName)
		if err != nil {
			return nil, err
		}
		logger.Infof("[Dispatcher] Running locally (%s)", reason)
		d.runLocal(ctx, jobName, handler, raw, o.delay)
		return &Receipt{MessageID: LocalReceiptID, Local: true}, nil
	}

	body, err := json.Marshal(relay.Envelope{JobName: jobName, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	id, err := d.relay.Publish(ctx, &relay.Message{
		TargetURL: d.JobsURL(),
		Body:      body,
		Delay:     o.delay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", jobName, err)
	}

	logger.WithField("messageId", id).Info("[Dispatcher] Published to relay")
	return &Receipt{MessageID: id}, nil
}

// useLocalExecution reports whether the relay path is unusable.
func (d *Dispatcher) useLocalExecution() (bool, string) {
	switch {
	case d.relay == nil:
		return true, "no relay configured"
	case !validBaseURL(d.appURL):
		return true, "no usable callback address"
	case IsLoopbackURL(d.appURL) && !d.localMode:
		return true, "callback address is loopback"
	}
	return false, ""
}

// runLocal executes the handler on its own goroutine, detached from the
// caller's cancellation. Errors and panics are logged, never returned.
func (d *Dispatcher) runLocal(ctx context.Context, jobName string, handler Handler, payload json.RawMessage, delay time.Duration) {
	jobCtx := context.WithoutCancel(ctx)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("jobName", jobName).Errorf("[Dispatcher] Local job panicked: %v", r)
			}
		}()

		if delay > 0 {
			time.Sleep(delay)
		}

		if err := handler(jobCtx, payload); err != nil {
			log.WithField("jobName", jobName).Errorf("[Dispatcher] Local job failed: %v", err)
		}
	}()
}

// Wait blocks until every locally running job has returned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func validBaseURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
}

// IsLoopbackURL reports whether raw points at this machine.
func IsLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return loopbackHosts[u.Hostname()]
}
