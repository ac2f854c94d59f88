package sensor

import (
	"fmt"
	"strings"

	"github.com/ardnew/softimu/pkg"
)

// ChannelKind identifies a measured quantity. The numeric order of the
// kinds is the order in which a buffer's channels are decoded.
type ChannelKind uint8

// Channel kinds, in decode order.
const (
	ChannelAccelXYZ ChannelKind = iota // Three-axis acceleration, m/s^2
	ChannelGyroXYZ                     // Three-axis angular rate, rad/s
	ChannelDieTemp                     // On-die temperature, degrees Celsius
	ChannelMagnXYZ                     // Three-axis magnetic field, gauss

	numChannelKinds
)

// NumChannelKinds is the number of defined channel kinds.
const NumChannelKinds = int(numChannelKinds)

var channelNames = [numChannelKinds]string{
	ChannelAccelXYZ: "accel_xyz",
	ChannelGyroXYZ:  "gyro_xyz",
	ChannelDieTemp:  "die_temp",
	ChannelMagnXYZ:  "magn_xyz",
}

// String returns the configuration name of the channel kind.
func (k ChannelKind) String() string {
	if k < numChannelKinds {
		return channelNames[k]
	}
	return fmt.Sprintf("channel(%d)", uint8(k))
}

// Axes returns the number of values a sample of this kind carries.
func (k ChannelKind) Axes() int {
	if k == ChannelDieTemp {
		return 1
	}
	return 3
}

// ParseChannelKind returns the kind named s.
func ParseChannelKind(s string) (ChannelKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range channelNames {
		if s == name {
			return ChannelKind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: channel %q", pkg.ErrNotSupported, s)
}

// ChannelSpec selects one channel of a device: a kind and, for devices
// with several instances of a kind, a zero-based index.
type ChannelSpec struct {
	Kind  ChannelKind
	Index uint8
}

// String returns "kind" or "kind[index]".
func (c ChannelSpec) String() string {
	if c.Index == 0 {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s[%d]", c.Kind, c.Index)
}

// TriggerKind identifies a hardware event.
type TriggerKind uint8

// Trigger kinds.
const (
	TriggerTap           TriggerKind = iota // Single tap detected
	TriggerFIFOWatermark                    // FIFO reached its watermark
	TriggerFIFOFull                         // FIFO is full
	TriggerDataReady                        // New sample available

	numTriggerKinds
)

var triggerNames = [numTriggerKinds]string{
	TriggerTap:           "tap",
	TriggerFIFOWatermark: "fifo_watermark",
	TriggerFIFOFull:      "fifo_full",
	TriggerDataReady:     "data_ready",
}

// String returns the configuration name of the trigger kind.
func (k TriggerKind) String() string {
	if k < numTriggerKinds {
		return triggerNames[k]
	}
	return fmt.Sprintf("trigger(%d)", uint8(k))
}

// Discrete reports whether the trigger is an event reported to the sink
// rather than a FIFO condition that only gates data delivery.
func (k TriggerKind) Discrete() bool {
	return k == TriggerTap
}

// ParseTriggerKind returns the kind named s.
func ParseTriggerKind(s string) (TriggerKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range triggerNames {
		if s == name {
			return TriggerKind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: trigger %q", pkg.ErrNotSupported, s)
}

// StreamPolicy selects what the device does with FIFO data when a trigger
// fires.
type StreamPolicy uint8

// Stream policies. When several subscribed triggers fire together the
// highest-precedence policy wins: Include, then Drop, then Nop.
const (
	PolicyNop     StreamPolicy = iota // Post nothing
	PolicyDrop                        // Flush the FIFO and post a header-only buffer
	PolicyInclude                     // Post the FIFO contents
)

var policyNames = [...]string{
	PolicyNop:     "nop",
	PolicyDrop:    "drop",
	PolicyInclude: "include",
}

// String returns the configuration name of the policy.
func (p StreamPolicy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParseStreamPolicy returns the policy named s.
func ParseStreamPolicy(s string) (StreamPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if s == name {
			return StreamPolicy(p), nil
		}
	}
	return 0, fmt.Errorf("%w: policy %q", pkg.ErrNotSupported, s)
}

// TriggerSpec pairs a trigger with the policy applied when it fires.
type TriggerSpec struct {
	Kind   TriggerKind
	Policy StreamPolicy
}

// String returns "kind:policy".
func (t TriggerSpec) String() string {
	return t.Kind.String() + ":" + t.Policy.String()
}

// Validate reports whether the trigger kind and policy are defined.
func (t TriggerSpec) Validate() error {
	if t.Kind >= numTriggerKinds {
		return fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, t.Kind)
	}
	if int(t.Policy) >= len(policyNames) {
		return fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, t.Policy)
	}
	return nil
}
