package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
)

// Surface is an interactive surface, such as a browser page, that can be
// reset in place.
type Surface interface {
	Refresh(ctx context.Context) error
}

// HostConfig describes how a host process is relaunched
type HostConfig struct {
	Name           string            `json:"name" yaml:"name"`
	Headless       bool              `json:"headless" yaml:"headless"`
	Args           []string          `json:"args,omitempty" yaml:"args"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	StartupTimeout time.Duration     `json:"startup_timeout" yaml:"startup_timeout"`
}

// Host owns the process backing a surface. Restart tears the process down,
// launches a new one and returns the surface attached to it.
type Host interface {
	Current() Surface
	Restart(ctx context.Context, config HostConfig) (Surface, error)
}

// RemoteClient talks to a single remote resource. Endpoint names that
// resource as kind:host and doubles as its circuit breaker key.
type RemoteClient interface {
	Endpoint() string
}

// Capability is a recovery action a call site supports
type Capability int

const (
	CapabilitySurfaceRefresh Capability = 1 << iota
	CapabilityProcessRestart
	CapabilityRemoteRetry
)

func (c Capability) String() string {
	var names []string
	if c&CapabilitySurfaceRefresh != 0 {
		names = append(names, "surface_refresh")
	}
	if c&CapabilityProcessRestart != 0 {
		names = append(names, "process_restart")
	}
	if c&CapabilityRemoteRetry != 0 {
		names = append(names, "remote_retry")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ContextConfig is the input of the full ErrorRecoveryContext constructor.
// Nil handles leave the matching capability out.
type ContextConfig struct {
	Surface    Surface
	Host       Host
	HostConfig HostConfig
	Remote     RemoteClient
	TestName   string
	Component  string
	Operation  string
}

// ErrorRecoveryContext describes what one call site can recover. It is built
// per call site, read-only after construction, and not shared between
// concurrent operations.
type ErrorRecoveryContext struct {
	surface    Surface
	host       Host
	hostConfig HostConfig
	remote     RemoteClient

	testName  string
	component string
	operation string
}

// NewErrorRecoveryContext builds a context carrying every handle set in config
func NewErrorRecoveryContext(config ContextConfig) *ErrorRecoveryContext {
	return &ErrorRecoveryContext{
		surface:    config.Surface,
		host:       config.Host,
		hostConfig: config.HostConfig,
		remote:     config.Remote,
		testName:   config.TestName,
		component:  config.Component,
		operation:  config.Operation,
	}
}

// ForInteractiveSurface builds a context that can refresh surface
func ForInteractiveSurface(surface Surface, testName string) *ErrorRecoveryContext {
	return NewErrorRecoveryContext(ContextConfig{Surface: surface, TestName: testName})
}

// ForProcessHost builds a context that can restart host with config. The
// host's current surface, when present, is also refreshable.
func ForProcessHost(host Host, config HostConfig, testName string) *ErrorRecoveryContext {
	return NewErrorRecoveryContext(ContextConfig{Host: host, HostConfig: config, TestName: testName})
}

// ForRemoteCall builds a context that can retry calls made through client
func ForRemoteCall(client RemoteClient, testName string) *ErrorRecoveryContext {
	return NewErrorRecoveryContext(ContextConfig{Remote: client, TestName: testName})
}

// WithComponent returns a copy labelled with component
func (rc *ErrorRecoveryContext) WithComponent(component string) *ErrorRecoveryContext {
	clone := *rc
	clone.component = component
	return &clone
}

// WithOperation returns a copy labelled with operation
func (rc *ErrorRecoveryContext) WithOperation(operation string) *ErrorRecoveryContext {
	clone := *rc
	clone.operation = operation
	return &clone
}

// TestName returns the test or flow the call site belongs to
func (rc *ErrorRecoveryContext) TestName() string { return rc.testName }

// Component returns the component label, such as a page object
func (rc *ErrorRecoveryContext) Component() string { return rc.component }

// Operation returns the operation label
func (rc *ErrorRecoveryContext) Operation() string { return rc.operation }

// Surface returns the surface to act on. With a host it is always the host's
// current surface, so a restart is picked up by every later recipe.
func (rc *ErrorRecoveryContext) Surface() Surface {
	if rc.host != nil {
		if current := rc.host.Current(); current != nil {
			return current
		}
	}
	return rc.surface
}

// Host returns the host process handle, or nil
func (rc *ErrorRecoveryContext) Host() Host { return rc.host }

// HostConfig returns the settings used to relaunch the host
func (rc *ErrorRecoveryContext) HostConfig() HostConfig { return rc.hostConfig }

// Remote returns the remote client, or nil
func (rc *ErrorRecoveryContext) Remote() RemoteClient { return rc.remote }

// Capabilities returns the set of recovery actions this context supports
func (rc *ErrorRecoveryContext) Capabilities() Capability {
	if rc == nil {
		return 0
	}
	var caps Capability
	if rc.Surface() != nil {
		caps |= CapabilitySurfaceRefresh
	}
	if rc.host != nil {
		caps |= CapabilityProcessRestart
	}
	if rc.remote != nil {
		caps |= CapabilityRemoteRetry
	}
	return caps
}

// Has reports whether every capability in want is present
func (rc *ErrorRecoveryContext) Has(want Capability) bool {
	return rc.Capabilities()&want == want
}

// Require fails with errors.ErrInvalidArgument when a capability is missing
func (rc *ErrorRecoveryContext) Require(recipe string, want Capability) error {
	if rc == nil {
		return fmt.Errorf("%w: %s recovery requires a recovery context", errors.ErrInvalidArgument, recipe)
	}
	if !rc.Has(want) {
		return fmt.Errorf("%w: %s recovery requires %s capability, context for test %q has %s",
			errors.ErrInvalidArgument, recipe, want, rc.testName, rc.Capabilities())
	}
	return nil
}

// CircuitKey returns the breaker key of the remote resource, or "" without one
func (rc *ErrorRecoveryContext) CircuitKey() string {
	if rc == nil || rc.remote == nil {
		return ""
	}
	return rc.remote.Endpoint()
}

// Fields returns the diagnostic labels as log fields
func (rc *ErrorRecoveryContext) Fields() logrus.Fields {
	fields := logrus.Fields{
		"test_name":    rc.testName,
		"component":    rc.component,
		"operation":    rc.operation,
		"capabilities": rc.Capabilities().String(),
	}
	if key := rc.CircuitKey(); key != "" {
		fields["circuit"] = key
	}
	return fields
}
