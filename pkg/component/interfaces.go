package component

import "context"

// Identifiable is implemented by every component instance.
type Identifiable interface {
	Descriptor() Descriptor
}

// Initializable components run their own setup after construction.
type Initializable interface {
	Initialize(ctx context.Context) error
}

// Discoverable components advertise a capability manifest once initialized.
type Discoverable interface {
	Manifest() CapabilityManifest
}

// Instance is what a tier constructor returns.
type Instance interface {
	Identifiable
	Initializable
	Discoverable
}

// Shutdowner is optionally implemented by components that hold resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// HealthReporter is optionally implemented by components that can report their own health.
type HealthReporter interface {
	HealthCheck(ctx context.Context) Health
}
