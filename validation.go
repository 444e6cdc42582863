package ikevpn

import "errors"

// ValidatorFlags control optional, stricter validation behavior shared by
// the packet parsers (ethernet/arp/ipv4/ipv6/tcp/udp) and the IKE codec.
type ValidatorFlags uint8

const (
	// ValidateEvilBit enables rejection of IPv4 packets with the evil bit
	// (RFC 3514) set. Disabled by default since it is a joke RFC and some
	// stacks set the bit unintentionally.
	ValidateEvilBit ValidatorFlags = 1 << iota
	// ValidateMultiErr accumulates every validation error found instead of
	// keeping only the first one.
	ValidateMultiErr
)

// Validator accumulates errors found while validating frame field contents
// and sizes. It is shared across all packet parsers in this module so a
// single parse pass can validate cross-layer invariants.
//
// The zero value is ready to use.
type Validator struct {
	flags ValidatorFlags
	errs  []error
}

// NewValidator returns a Validator configured with the given flags.
func NewValidator(flags ValidatorFlags) Validator {
	return Validator{flags: flags}
}

// Flags returns the configured validation flags.
func (v *Validator) Flags() ValidatorFlags { return v.flags }

// SetFlags sets the validation flags used by subsequent AddError calls.
func (v *Validator) SetFlags(flags ValidatorFlags) { v.flags = flags }

// AddError registers a validation failure. Unless ValidateMultiErr is set
// only the first error added since the last ResetErr is kept.
func (v *Validator) AddError(err error) {
	if err == nil {
		return
	}
	if len(v.errs) != 0 && v.flags&ValidateMultiErr == 0 {
		return
	}
	v.errs = append(v.errs, err)
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.errs) > 0 }

// ErrPop returns the accumulated error (joined if more than one) and resets
// the Validator so it can be reused.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// Err returns the accumulated error without resetting the Validator.
func (v *Validator) Err() error {
	switch len(v.errs) {
	case 0:
		return nil
	case 1:
		return v.errs[0]
	default:
		return errors.Join(v.errs...)
	}
}

// ResetErr discards all accumulated errors, keeping configured flags.
func (v *Validator) ResetErr() { v.errs = v.errs[:0] }
