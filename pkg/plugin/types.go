package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeDataSource plugins contribute warehouse connectors or other data backends.
	TypeDataSource Type = "datasource"
	// TypeToolpack plugins contribute additional agent tools.
	TypeToolpack Type = "toolpack"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
