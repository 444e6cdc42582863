// Package config defines the VpnConfig schema consumed by the engine.
// Parsing a configuration file into these types is out of scope; callers
// construct them directly (or from whatever host-side format they use)
// and pass the result to the engine.
package config

import "errors"

// Mode selects the virtual router's operating mode.
type Mode uint8

const (
	L2Transparent Mode = iota
	L3Transparent
	L3IPsec
)

func (m Mode) String() string {
	switch m {
	case L2Transparent:
		return "L2Transparent"
	case L3Transparent:
		return "L3Transparent"
	case L3IPsec:
		return "L3IPsec"
	default:
		return "Mode(?)"
	}
}

// AuthMethod selects how the VPN client authenticates to the gateway.
type AuthMethod uint8

const (
	AuthPassword AuthMethod = iota
	AuthCert
)

// Phase1Mode selects IKEv1 Phase-1 exchange type.
type Phase1Mode uint8

const (
	Phase1Main Phase1Mode = iota
	Phase1Aggressive
)

// CryptoAlg names a Phase-1/Phase-2 encryption transform.
type CryptoAlg uint8

const (
	CryptoDESCBC CryptoAlg = iota
	Crypto3DESCBC
)

// HashAlg names a Phase-1/Phase-2 PRF/hash transform. SHA1 is the only
// value RFC 2409 transforms this engine speaks require.
type HashAlg uint8

const (
	HashSHA1 HashAlg = iota
)

// V4 holds the IPv4-family link parameters for one side (guest or host)
// of the virtual router.
type V4 struct {
	Bind                   string
	GuestIP                [4]byte
	GuestMTU               int
	GuestVirtualGateway    [4]byte
	GuestSubnetMask        [4]byte
	DhcpEnable             bool
	DhcpLeaseSeconds       uint32
	DhcpDNS                [4]byte
	DhcpDomain             string
	DhcpPoolStart          [4]byte
	DhcpPoolEnd            [4]byte
	HostIP                 [4]byte
	HostMTU                int
	HostIPDefaultGateway   [4]byte
	OptionArpExpires       uint32
	OptionArpDontUpdateExp bool
	AdjustTCPMss           bool
	TCPMssValue            uint16
}

// V6 holds the IPv6-family link parameters.
type V6 struct {
	Bind                   string
	GuestIP                [16]byte
	GuestPrefixLen         uint8
	GuestMTU               int
	GuestVirtualGateway    [16]byte
	RaEnable               bool
	RaPrefix               [16]byte
	RaPrefixLen            uint8
	RaLifetimeSeconds      uint32
	RaMTU                  int
	RaDNS                  [16]byte
	OptionNeighborExpires  uint32
	UseProxyNdp            bool
}

// IPsec holds the IKEv1/IPsec negotiation parameters, corresponding to
// spec.md §6's "Vpn*" configuration key family.
type IPsec struct {
	GatewayAddress  [4]byte
	AuthMethod      AuthMethod
	Password        string
	IDString        string
	CertName        string
	CaCertName      string
	RsaKeyName      string
	SpecifyIssuer   bool
	Phase1Mode      Phase1Mode
	Phase1Crypto    CryptoAlg
	Phase2Crypto    CryptoAlg
	Phase1Hash      HashAlg
	Phase2Hash      HashAlg
	Phase1LifeSecs  uint32
	Phase1LifeKB    uint32
	Phase2LifeSecs  uint32
	Phase2LifeKB    uint32
	WaitPhase2Blank uint32 // VpnWaitPhase2BlankSpan, ms
	ConnectTimeout  uint32 // seconds
	IdleTimeout     uint32 // seconds
	PingTarget      [4]byte
	PingInterval    uint32 // seconds
	PingMsgSize     int
	Phase2StrictIDv6 bool

	// Phase1AggressiveCleartextFinalHash controls whether the Aggressive
	// mode final (third) message's HASH_I payload is sent unencrypted, as
	// RFC 2409 §5.1 specifies, or encrypted under SKEYID_e, matching the
	// documented behavior of the system this engine reimplements.
	// Default (false) reproduces that documented behavior.
	Phase1AggressiveCleartextFinalHash bool
}

// VPN is the top-level, immutable configuration for one engine instance.
type VPN struct {
	Mode                     Mode
	VirtualGatewayMacAddress [6]byte
	V4                       V4
	V6                       V6
	IPsec                    IPsec
	Proxy                    ProxyOptions
}

// ProxyOptions controls ARP/NDP proxying behavior shared by both stacks.
type ProxyOptions struct {
	UseProxyArp    bool
	ProxyArpExcept [4]byte // typically the guest's own address
}

// Validate checks enum fields and required values, returning a descriptive
// error for the first problem found. It does not attempt to validate
// cross-field consistency beyond what is required to construct the engine.
func (c *VPN) Validate() error {
	switch c.Mode {
	case L2Transparent, L3Transparent, L3IPsec:
	default:
		return errors.New("config: invalid Mode")
	}
	if c.Mode != L3IPsec {
		return nil
	}
	switch c.IPsec.AuthMethod {
	case AuthPassword, AuthCert:
	default:
		return errors.New("config: invalid VpnAuthMethod")
	}
	if c.IPsec.AuthMethod == AuthPassword && c.IPsec.Password == "" {
		return errors.New("config: VpnPassword required for password auth")
	}
	if c.IPsec.AuthMethod == AuthCert && c.IPsec.CertName == "" {
		return errors.New("config: VpnCertName required for cert auth")
	}
	switch c.IPsec.Phase1Mode {
	case Phase1Main, Phase1Aggressive:
	default:
		return errors.New("config: invalid VpnPhase1Mode")
	}
	switch c.IPsec.Phase1Crypto {
	case CryptoDESCBC, Crypto3DESCBC:
	default:
		return errors.New("config: invalid VpnPhase1Crypto")
	}
	switch c.IPsec.Phase2Crypto {
	case CryptoDESCBC, Crypto3DESCBC:
	default:
		return errors.New("config: invalid VpnPhase2Crypto")
	}
	if c.IPsec.Phase1Hash != HashSHA1 {
		return errors.New("config: invalid VpnPhase1Hash")
	}
	if c.IPsec.Phase2Hash != HashSHA1 {
		return errors.New("config: invalid VpnPhase2Hash")
	}
	if c.IPsec.GatewayAddress == ([4]byte{}) {
		return errors.New("config: VpnGatewayAddress required")
	}
	return nil
}
