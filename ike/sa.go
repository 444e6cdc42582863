package ike

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/vkernel/ikevpn/config"
	"github.com/vkernel/ikevpn/credential"
	"github.com/vkernel/ikevpn/ikecrypto"
)

// State is the IKE SA's position in the Phase-1/Phase-2 exchange sequence,
// following the enum-driven style of dhcpv4.Server's ClientState.
type State uint8

const (
	StateIdle State = iota
	StateMainSent1
	StateMainSent3
	StateMainSent5
	StateAggrSent1
	StatePhase1Established
	StateQuickSent1
	StateQuickSent3
	StatePhase2Established
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateMainSent1:
		return "MainSent1"
	case StateMainSent3:
		return "MainSent3"
	case StateMainSent5:
		return "MainSent5"
	case StateAggrSent1:
		return "AggrSent1"
	case StatePhase1Established:
		return "Phase1Established"
	case StateQuickSent1:
		return "QuickSent1"
	case StateQuickSent3:
		return "QuickSent3"
	case StatePhase2Established:
		return "Phase2Established"
	case StateDead:
		return "Dead"
	default:
		return "State(?)"
	}
}

// Protocol IDs used in Proposal/Delete payloads (RFC 2407 §4.4.1).
const (
	ProtoISAKMP   uint8 = 1
	ProtoIPsecAH  uint8 = 2
	ProtoIPsecESP uint8 = 3
)

// Oakley attribute classes (RFC 2409 Appendix A).
const (
	attrSALifeType     uint16 = 1
	attrSALifeDuration uint16 = 2
	attrGroupDesc      uint16 = 3
	attrEncryptionAlg  uint16 = 4
	attrHashAlg        uint16 = 5
	attrAuthMethod     uint16 = 6
)

// IPsec DOI transform attribute classes for ESP proposals (RFC 2407 §4.5).
const (
	ipsecAttrSALifeType     uint16 = 1
	ipsecAttrSALifeDuration uint16 = 2
	ipsecAttrEncapMode      uint16 = 4
	ipsecAttrAuthAlg        uint16 = 5
)

const (
	encryptionDESCBC  uint8 = 1
	encryption3DESCBC uint8 = 5
	hashMD5           uint8 = 1
	hashSHA           uint8 = 2
	authPSK           uint8 = 1
	authRSASig        uint8 = 3
	groupModp1024     uint8 = 2
	lifeTypeSeconds   uint16 = 1
	lifeTypeKilobytes uint16 = 2
	encapModeTunnel   uint16 = 1
	espAuthHMACSHA1   uint16 = 2
	transformKeyOakley uint8 = 1

	transformESPDES  uint8 = 2
	transformESP3DES uint8 = 3
)

var (
	errUnexpectedMessage = errors.New("ike: unexpected message for current state")
	errMissingPayload    = errors.New("ike: required payload missing")
	errHashMismatch      = errors.New("ike: authentication hash mismatch")
	errNoProposal        = errors.New("ike: no acceptable proposal in peer SA payload")
)

// SA is one client-initiated IKEv1 security association: a single Phase-1
// negotiation plus, once established, the Phase-2 (Quick Mode) negotiation
// it protects. It is always the initiator; this engine never answers as an
// IKE responder (spec.md's client talks only to a fixed gateway).
type SA struct {
	cfg   *config.IPsec
	creds *credential.Credentials // nil unless AuthMethod == config.AuthCert

	state State

	initiatorCookie [8]byte
	responderCookie [8]byte

	dh       *ikecrypto.DHKeyPair
	nonceI   []byte
	nonceR   []byte
	peerKE   []byte
	idiiBody []byte
	idirBody []byte

	saiBodyOurs []byte
	sarBodyPeer []byte

	cipherKeyLen int

	skeyid  []byte
	skeyidD []byte
	skeyidA []byte
	skeyidE []byte

	phase1BaseIV []byte // fixed base IV for phase-1 and every phase-2/info exchange it protects
	currentIV    []byte // IV to use for the next encrypt/decrypt step in the exchange in progress

	messageIDPhase2 uint32
	niPrime         []byte
	nrPrime         []byte
	ourSPI          [4]byte
	peerSPI         [4]byte
	quickSAiOurs    []byte
	espCryptoAlg    config.CryptoAlg

	established1Tick uint64
	established2Tick uint64
	lastActivityTick uint64
	connectDeadline  uint64

	bytesTransferred uint64

	// EncryptKeyOut/HMACKeyOut protect traffic this engine sends to the
	// gateway (keyed by the gateway's SPI); EncryptKeyIn/HMACKeyIn protect
	// traffic received from it (keyed by our own SPI). Populated once
	// State reaches StatePhase2Established.
	EncryptKeyOut []byte
	HMACKeyOut    []byte
	EncryptKeyIn  []byte
	HMACKeyIn     []byte
	SPIOut        [4]byte
	SPIIn         [4]byte

	Phase2Dead bool // set when the gateway deletes the IPsec SA but keeps Phase-1 up

	// pendingOut buffers a message staged by Demux for the caller's next
	// Encapsulate call, matching the request/response cadence of a UDP
	// round-trip where the reply must be built from data just received.
	pendingOut []byte
}

// NewInitiator prepares a fresh Phase-1 initiator for cfg. creds is nil
// unless cfg.AuthMethod is config.AuthCert.
func NewInitiator(cfg *config.IPsec, creds *credential.Credentials, nowTick uint64) (*SA, error) {
	sa := &SA{cfg: cfg, creds: creds}
	if _, err := rand.Read(sa.initiatorCookie[:]); err != nil {
		return nil, err
	}
	sa.connectDeadline = nowTick + uint64(cfg.ConnectTimeout)*1000
	sa.lastActivityTick = nowTick
	return sa, nil
}

func (sa *SA) State() State { return sa.state }

func (sa *SA) touch(now uint64) { sa.lastActivityTick = now }

// ConnectTimedOut reports whether the negotiation has exceeded cfg's
// connect timeout without reaching StatePhase1Established.
func (sa *SA) ConnectTimedOut(now uint64) bool {
	return sa.state != StatePhase1Established && sa.state != StateQuickSent1 &&
		sa.state != StateQuickSent3 && sa.state != StatePhase2Established &&
		now >= sa.connectDeadline
}

// IdleTimedOut reports whether the SA has been quiet longer than cfg's idle
// timeout.
func (sa *SA) IdleTimedOut(now uint64) bool {
	return now-sa.lastActivityTick >= uint64(sa.cfg.IdleTimeout)*1000
}

// Phase1Expired reports whether the Phase-1 SA has outlived its negotiated
// lifetime in seconds.
func (sa *SA) Phase1Expired(now uint64) bool {
	if sa.state != StatePhase1Established && sa.state < StateQuickSent1 {
		return false
	}
	return now-sa.established1Tick >= uint64(sa.cfg.Phase1LifeSecs)*1000
}

// Phase2Expired reports whether the Phase-2 SA has outlived its negotiated
// lifetime in seconds or bytes transferred, the two independent rekey
// triggers spec.md §4.7 names.
func (sa *SA) Phase2Expired(now uint64) bool {
	if sa.state != StatePhase2Established {
		return false
	}
	if sa.cfg.Phase2LifeSecs != 0 && now-sa.established2Tick >= uint64(sa.cfg.Phase2LifeSecs)*1000 {
		return true
	}
	if sa.cfg.Phase2LifeKB != 0 && sa.bytesTransferred >= uint64(sa.cfg.Phase2LifeKB)*1024 {
		return true
	}
	return false
}

// AddBytesTransferred accumulates ESP payload bytes for the Phase2Expired
// byte-count trigger.
func (sa *SA) AddBytesTransferred(n uint64) { sa.bytesTransferred += n }

func cipherKeyLen(alg config.CryptoAlg) int {
	if alg == config.Crypto3DESCBC {
		return 24
	}
	return 8
}

func encryptionAttrValue(alg config.CryptoAlg) uint8 {
	if alg == config.Crypto3DESCBC {
		return encryption3DESCBC
	}
	return encryptionDESCBC
}

func espTransformID(alg config.CryptoAlg) uint8 {
	if alg == config.Crypto3DESCBC {
		return transformESP3DES
	}
	return transformESPDES
}

func lifeAttrs(lifeSecs, lifeKB uint32) []Attribute {
	var attrs []Attribute
	if lifeSecs != 0 {
		attrs = append(attrs,
			Attribute{Type: attrSALifeType, Value: be16(lifeTypeSeconds)},
			Attribute{Type: attrSALifeDuration, Value: be32(lifeSecs)})
	}
	if lifeKB != 0 {
		attrs = append(attrs,
			Attribute{Type: attrSALifeType, Value: be16(lifeTypeKilobytes)},
			Attribute{Type: attrSALifeDuration, Value: be32(lifeKB)})
	}
	return attrs
}

func be16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (sa *SA) buildPhase1Proposal() SAPayload {
	authMethod := authPSK
	if sa.cfg.AuthMethod == config.AuthCert {
		authMethod = authRSASig
	}
	t := TransformPayload{
		Number:      1,
		TransformID: transformKeyOakley,
		Attributes: append([]Attribute{
			{Type: attrEncryptionAlg, Value: []byte{0, encryptionAttrValue(sa.cfg.Phase1Crypto)}},
			{Type: attrHashAlg, Value: []byte{0, hashSHA}},
			{Type: attrAuthMethod, Value: []byte{0, authMethod}},
			{Type: attrGroupDesc, Value: []byte{0, groupModp1024}},
		}, lifeAttrs(sa.cfg.Phase1LifeSecs, sa.cfg.Phase1LifeKB)...),
	}
	return SAPayload{
		DOI:       1, // IPsec DOI
		Situation: 1, // SIT_IDENTITY_ONLY
		Proposals: []ProposalPayload{{
			Number:     1,
			ProtocolID: ProtoISAKMP,
			SPI:        nil,
			Transforms: []TransformPayload{t},
		}},
	}
}

func (sa *SA) buildIDPayload() IDPayload {
	if sa.cfg.IDString == "" {
		return IDPayload{IDType: IDIPv4Addr, Data: sa.cfg.GatewayAddress[:]}
	}
	return IDPayload{IDType: IDKeyID, Data: []byte(sa.cfg.IDString)}
}

// BeginPhase1 builds the first Phase-1 message (Main mode's bare SA
// proposal, or Aggressive mode's SA+KE+Nonce+ID) into dst and arms the
// state machine to await the peer's reply.
func (sa *SA) BeginPhase1(now uint64, dst []byte) (int, error) {
	if sa.state != StateIdle {
		return 0, errUnexpectedMessage
	}
	saPayload := sa.buildPhase1Proposal()
	saPayload.Proposals[0].SPI = append([]byte{}, sa.initiatorCookie[:]...)
	chain := Chain{{Kind: PayloadSA, SA: &saPayload}}
	sa.saiBodyOurs = saPayload.encodeBody()

	var exch ExchangeType
	if sa.cfg.Phase1Mode == config.Phase1Aggressive {
		exch = ExchangeAggressive
		dh, err := ikecrypto.GenerateDH()
		if err != nil {
			return 0, err
		}
		sa.dh = dh
		sa.nonceI = randomNonce()
		idPayload := sa.buildIDPayload()
		sa.idiiBody = idPayload.encodeBody()
		chain = append(chain,
			Payload{Kind: PayloadKE, KE: dh.Public},
			Payload{Kind: PayloadNonce, Nonce: sa.nonceI},
			Payload{Kind: PayloadID, ID: &idPayload},
		)
	} else {
		exch = ExchangeIdentityProtection
	}
	n, err := sa.writeCleartext(dst, exch, 0, chain)
	if err != nil {
		return 0, err
	}
	if exch == ExchangeAggressive {
		sa.state = StateAggrSent1
	} else {
		sa.state = StateMainSent1
	}
	sa.touch(now)
	return n, nil
}

func (sa *SA) writeCleartext(dst []byte, exch ExchangeType, messageID uint32, chain Chain) (int, error) {
	body := EncodeChain(chain)
	total := HeaderSize + len(body)
	if len(dst) < total {
		return 0, fmt.Errorf("ike: buffer too small, need %d bytes", total)
	}
	hdr, err := NewHeader(dst[:total])
	if err != nil {
		return 0, err
	}
	hdr.ClearHeader()
	*hdr.InitiatorCookie() = sa.initiatorCookie
	*hdr.ResponderCookie() = sa.responderCookie
	hdr.SetVersion(0x10)
	hdr.SetExchangeType(exch)
	hdr.SetMessageID(messageID)
	if len(chain) > 0 {
		hdr.SetNextPayload(chain[0].Kind)
	}
	hdr.SetLength(uint32(total))
	copy(dst[HeaderSize:total], body)
	return total, nil
}

func (sa *SA) writeEncrypted(dst []byte, exch ExchangeType, messageID uint32, chain Chain, iv []byte) (int, error) {
	plain := ikecrypto.PadToBlock(EncodeChain(chain))
	ciphertext, nextIV, err := ikecrypto.EncryptCBC(sa.skeyidE, iv, plain)
	if err != nil {
		return 0, err
	}
	total := HeaderSize + len(ciphertext)
	if len(dst) < total {
		return 0, fmt.Errorf("ike: buffer too small, need %d bytes", total)
	}
	hdr, err := NewHeader(dst[:total])
	if err != nil {
		return 0, err
	}
	hdr.ClearHeader()
	*hdr.InitiatorCookie() = sa.initiatorCookie
	*hdr.ResponderCookie() = sa.responderCookie
	hdr.SetVersion(0x10)
	hdr.SetExchangeType(exch)
	hdr.SetFlags(FlagEncryption)
	hdr.SetMessageID(messageID)
	if len(chain) > 0 {
		hdr.SetNextPayload(chain[0].Kind)
	}
	hdr.SetLength(uint32(total))
	copy(dst[HeaderSize:total], ciphertext)
	sa.currentIV = nextIV
	return total, nil
}

func randomNonce() []byte {
	b := make([]byte, 16)
	rand.Read(b)
	return b
}

// Demux processes one inbound ISAKMP message against the current state.
func (sa *SA) Demux(now uint64, msg []byte) error {
	hdr, err := NewHeader(msg)
	if err != nil {
		return err
	}
	if err := hdr.ValidateSize(); err != nil {
		return err
	}
	sa.touch(now)

	if hdr.ExchangeType() == ExchangeInformational {
		return sa.handleInformational(hdr, msg)
	}

	switch sa.state {
	case StateMainSent1:
		return sa.demuxMain2(hdr, msg)
	case StateMainSent3:
		return sa.demuxMain4(hdr, msg)
	case StateMainSent5:
		return sa.demuxMain6(hdr, msg)
	case StateAggrSent1:
		return sa.demuxAggr2(hdr, msg)
	case StateQuickSent1:
		return sa.demuxQuick2(hdr, msg)
	default:
		return errUnexpectedMessage
	}
}

// Encapsulate builds the next outbound message, if any is due, into dst: a
// message staged by the most recent Demux call (message 3, the Aggressive-
// mode/Main-mode final hash, or Quick Mode's HASH(3)), or the first message
// of a negotiation that has not started sending yet.
func (sa *SA) Encapsulate(now uint64, dst []byte) (int, error) {
	if len(sa.pendingOut) > 0 {
		n := copy(dst, sa.pendingOut)
		sa.pendingOut = sa.pendingOut[:0]
		sa.touch(now)
		return n, nil
	}
	if sa.state == StateIdle {
		return sa.BeginPhase1(now, dst)
	}
	return 0, nil
}

func firstSAPayload(chain Chain) *SAPayload {
	for _, p := range chain {
		if p.Kind == PayloadSA {
			return p.SA
		}
	}
	return nil
}

func payloadBody(chain Chain, kind PayloadKind) []byte {
	for _, p := range chain {
		if p.Kind == kind {
			switch kind {
			case PayloadKE:
				return p.KE
			case PayloadNonce:
				return p.Nonce
			case PayloadHash:
				return p.Hash
			case PayloadSignature:
				return p.Signature
			}
		}
	}
	return nil
}

func findID(chain Chain) *IDPayload {
	for _, p := range chain {
		if p.Kind == PayloadID {
			return p.ID
		}
	}
	return nil
}

func findCert(chain Chain) *CertPayload {
	for _, p := range chain {
		if p.Kind == PayloadCert {
			return p.Cert
		}
	}
	return nil
}

// authPayloads builds the HASH payload (PSK) or CERT+SIGNATURE payloads
// (RSA-SIG) proving possession of SKEYID/the private key over hashed.
func (sa *SA) authPayloads(hashed []byte) ([]Payload, error) {
	if sa.cfg.AuthMethod != config.AuthCert {
		return []Payload{{Kind: PayloadHash, Hash: hashed}}, nil
	}
	if sa.creds == nil || sa.creds.Key == nil {
		return nil, errors.New("ike: AuthCert configured but no credentials loaded")
	}
	sig, err := ikecrypto.SignRaw(sa.creds.Key, hashed)
	if err != nil {
		return nil, err
	}
	var payloads []Payload
	if sa.creds.Cert != nil {
		payloads = append(payloads, Payload{Kind: PayloadCert, Cert: &CertPayload{
			Encoding: CertEncodingX509Sig, Data: sa.creds.Cert.Raw,
		}})
	}
	payloads = append(payloads, Payload{Kind: PayloadSignature, Signature: sig})
	return payloads, nil
}

// verifyPeerAuth checks the peer's HASH (PSK) or CERT+SIGNATURE (RSA-SIG)
// payloads in chain against the expected digest.
func (sa *SA) verifyPeerAuth(chain Chain, want []byte) error {
	if sa.cfg.AuthMethod != config.AuthCert {
		got := payloadBody(chain, PayloadHash)
		if got == nil || !bytesEqual(got, want) {
			return errHashMismatch
		}
		return nil
	}
	sig := payloadBody(chain, PayloadSignature)
	cert := findCert(chain)
	if sig == nil || cert == nil {
		return errMissingPayload
	}
	var ca *x509.Certificate
	if sa.creds != nil {
		ca = sa.creds.CA
	}
	leaf, err := VerifyPeerCertificate(cert.Data, ca)
	if err != nil {
		return err
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("ike: peer certificate key is not RSA")
	}
	return ikecrypto.VerifyRaw(pub, want, sig)
}

func (sa *SA) demuxMain2(hdr Header, msg []byte) error {
	chain, err := DecodeChain(hdr.NextPayload(), msg[HeaderSize:])
	if err != nil {
		return err
	}
	sar := firstSAPayload(chain)
	if sar == nil || len(sar.Proposals) == 0 || len(sar.Proposals[0].Transforms) == 0 {
		return errNoProposal
	}
	sa.responderCookie = *hdr.ResponderCookie()
	sa.sarBodyPeer = sar.encodeBody()
	sa.cipherKeyLen = cipherKeyLen(sa.cfg.Phase1Crypto)

	dh, err := ikecrypto.GenerateDH()
	if err != nil {
		return err
	}
	sa.dh = dh
	sa.nonceI = randomNonce()

	var buf [4096]byte
	chainOut := Chain{
		{Kind: PayloadKE, KE: dh.Public},
		{Kind: PayloadNonce, Nonce: sa.nonceI},
	}
	n, err := sa.writeCleartext(buf[:], ExchangeIdentityProtection, 0, chainOut)
	if err != nil {
		return err
	}
	sa.state = StateMainSent3
	sa.pendingOut = append(sa.pendingOut[:0], buf[:n]...)
	return nil
}

func (sa *SA) demuxAggr2(hdr Header, msg []byte) error {
	chain, err := DecodeChain(hdr.NextPayload(), msg[HeaderSize:])
	if err != nil {
		return err
	}
	sar := firstSAPayload(chain)
	if sar == nil {
		return errNoProposal
	}
	sa.responderCookie = *hdr.ResponderCookie()
	sa.sarBodyPeer = sar.encodeBody()
	sa.cipherKeyLen = cipherKeyLen(sa.cfg.Phase1Crypto)
	sa.peerKE = payloadBody(chain, PayloadKE)
	sa.nonceR = payloadBody(chain, PayloadNonce)
	idr := findID(chain)
	if idr == nil || sa.peerKE == nil || sa.nonceR == nil {
		return errMissingPayload
	}
	sa.idirBody = idr.encodeBody()

	if err := sa.deriveKeysCommon(); err != nil {
		return err
	}

	wantHashR := HashR(sa.skeyid, sa.peerKE, sa.dh.Public, sa.responderCookie[:], sa.initiatorCookie[:], sa.sarBodyPeer, sa.idirBody)
	if err := sa.verifyPeerAuth(chain, wantHashR); err != nil {
		return err
	}

	hashI := HashI(sa.skeyid, sa.dh.Public, sa.peerKE, sa.initiatorCookie[:], sa.responderCookie[:], sa.saiBodyOurs, sa.idiiBody)
	authOut, err := sa.authPayloads(hashI)
	if err != nil {
		return err
	}
	chainOut := Chain(authOut)
	var buf [1024]byte
	var n int
	if sa.cfg.Phase1AggressiveCleartextFinalHash {
		n, err = sa.writeCleartext(buf[:], ExchangeAggressive, 0, chainOut)
	} else {
		n, err = sa.writeEncrypted(buf[:], ExchangeAggressive, 0, chainOut, sa.phase1BaseIV)
	}
	if err != nil {
		return err
	}
	sa.pendingOut = append(sa.pendingOut[:0], buf[:n]...)
	sa.state = StatePhase1Established
	sa.established1Tick = sa.lastActivityTick
	return nil
}

func (sa *SA) demuxMain6(hdr Header, msg []byte) error {
	plain, err := sa.decryptPhase1(msg)
	if err != nil {
		return err
	}
	chain, err := DecodeChain(hdr.NextPayload(), plain)
	if err != nil {
		return err
	}
	idr := findID(chain)
	if idr == nil {
		return errMissingPayload
	}
	sa.idirBody = idr.encodeBody()
	wantHashR := HashR(sa.skeyid, sa.peerKE, sa.dh.Public, sa.responderCookie[:], sa.initiatorCookie[:], sa.sarBodyPeer, sa.idirBody)
	if err := sa.verifyPeerAuth(chain, wantHashR); err != nil {
		return err
	}
	sa.state = StatePhase1Established
	sa.established1Tick = sa.lastActivityTick
	return nil
}

// decryptPhase1 decrypts an encrypted Phase-1 message using currentIV (the
// chaining IV left by the previous message in this exchange) and advances
// currentIV to this message's last ciphertext block.
func (sa *SA) decryptPhase1(msg []byte) ([]byte, error) {
	ciphertext := msg[HeaderSize:]
	if len(ciphertext) < ikecrypto.BlockSize {
		return nil, errors.New("ike: encrypted message too short")
	}
	plain, err := ikecrypto.DecryptCBC(sa.skeyidE, sa.currentIV, ciphertext)
	if err != nil {
		return nil, err
	}
	sa.currentIV = append([]byte{}, ciphertext[len(ciphertext)-ikecrypto.BlockSize:]...)
	return ikecrypto.UnpadLastByte(plain)
}

// demuxMain4 completes Main mode message-4 handling: deriving Phase-1 keys
// and staging message 5 for the next Encapsulate call.
func (sa *SA) demuxMain4(hdr Header, msg []byte) error {
	chain, err := DecodeChain(hdr.NextPayload(), msg[HeaderSize:])
	if err != nil {
		return err
	}
	sa.peerKE = payloadBody(chain, PayloadKE)
	sa.nonceR = payloadBody(chain, PayloadNonce)
	if sa.peerKE == nil || sa.nonceR == nil {
		return errMissingPayload
	}
	if err := sa.deriveKeysCommon(); err != nil {
		return err
	}

	idPayload := sa.buildIDPayload()
	sa.idiiBody = idPayload.encodeBody()
	hashI := HashI(sa.skeyid, sa.dh.Public, sa.peerKE, sa.initiatorCookie[:], sa.responderCookie[:], sa.saiBodyOurs, sa.idiiBody)
	authOut, err := sa.authPayloads(hashI)
	if err != nil {
		return err
	}
	chainOut := append(Chain{{Kind: PayloadID, ID: &idPayload}}, authOut...)
	var buf [1024]byte
	n, err := sa.writeEncrypted(buf[:], ExchangeIdentityProtection, 0, chainOut, sa.phase1BaseIV)
	if err != nil {
		return err
	}
	sa.pendingOut = append(sa.pendingOut[:0], buf[:n]...)
	sa.state = StateMainSent5
	return nil
}

// deriveKeysCommon computes SKEYID and the derived keys once both sides'
// KE/Nonce values are known, for either Main or Aggressive mode.
func (sa *SA) deriveKeysCommon() error {
	gxy := sa.dh.SharedSecret(sa.peerKE)
	switch sa.cfg.AuthMethod {
	case config.AuthPassword:
		sa.skeyid = DeriveSKEYIDPSK([]byte(sa.cfg.Password), sa.nonceI, sa.nonceR)
	case config.AuthCert:
		sa.skeyid = DeriveSKEYIDRSA(sa.nonceI, sa.nonceR, gxy)
	default:
		return errors.New("ike: unsupported auth method")
	}
	dk := DeriveKeys(sa.skeyid, gxy, sa.initiatorCookie[:], sa.responderCookie[:], sa.cipherKeyLen)
	sa.skeyidD, sa.skeyidA, sa.skeyidE = dk.SKEYIDd, dk.SKEYIDa, dk.SKEYIDe
	sa.phase1BaseIV = Phase1IV(sa.dh.Public, sa.peerKE)
	sa.currentIV = sa.phase1BaseIV
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Phase 2: Quick Mode ---

func (sa *SA) buildQuickProposal() SAPayload {
	t := TransformPayload{
		Number:      1,
		TransformID: espTransformID(sa.cfg.Phase2Crypto),
		Attributes: append([]Attribute{
			{Type: ipsecAttrEncapMode, Value: be16(encapModeTunnel)},
			{Type: ipsecAttrAuthAlg, Value: be16(espAuthHMACSHA1)},
		}, lifeAttrs(sa.cfg.Phase2LifeSecs, sa.cfg.Phase2LifeKB)...),
	}
	return SAPayload{
		DOI:       1,
		Situation: 1,
		Proposals: []ProposalPayload{{
			Number:     1,
			ProtocolID: ProtoIPsecESP,
			SPI:        append([]byte{}, sa.ourSPI[:]...),
			Transforms: []TransformPayload{t},
		}},
	}
}

// StartQuickMode builds the first Quick Mode message, establishing a fresh
// IPsec SA under the already-established Phase-1 SA.
func (sa *SA) StartQuickMode(now uint64, dst []byte) (int, error) {
	if sa.state != StatePhase1Established {
		return 0, errUnexpectedMessage
	}
	var mid [4]byte
	rand.Read(mid[:])
	sa.messageIDPhase2 = uint32(mid[0])<<24 | uint32(mid[1])<<16 | uint32(mid[2])<<8 | uint32(mid[3])
	if sa.messageIDPhase2 == 0 {
		sa.messageIDPhase2 = 1
	}
	rand.Read(sa.ourSPI[:])
	sa.espCryptoAlg = sa.cfg.Phase2Crypto
	sa.niPrime = randomNonce()

	saPayload := sa.buildQuickProposal()
	sa.quickSAiOurs = saPayload.encodeBody()
	hash1 := QuickHash1(sa.skeyidA, sa.messageIDPhase2, sa.quickSAiOurs, sa.niPrime)
	chain := Chain{
		{Kind: PayloadHash, Hash: hash1},
		{Kind: PayloadSA, SA: &saPayload},
		{Kind: PayloadNonce, Nonce: sa.niPrime},
	}
	iv := Phase2IV(sa.phase1BaseIV, sa.messageIDPhase2)
	n, err := sa.writeEncrypted(dst, ExchangeQuickMode, sa.messageIDPhase2, chain, iv)
	if err != nil {
		return 0, err
	}
	sa.state = StateQuickSent1
	sa.touch(now)
	return n, nil
}

func (sa *SA) demuxQuick2(hdr Header, msg []byte) error {
	if hdr.MessageID() != sa.messageIDPhase2 {
		return errUnexpectedMessage
	}
	ciphertext := msg[HeaderSize:]
	plain, err := ikecrypto.DecryptCBC(sa.skeyidE, sa.currentIV, ciphertext)
	if err != nil {
		return err
	}
	chainIV := append([]byte{}, ciphertext[len(ciphertext)-ikecrypto.BlockSize:]...)
	plain, err = ikecrypto.UnpadLastByte(plain)
	if err != nil {
		return err
	}
	chain, err := DecodeChain(hdr.NextPayload(), plain)
	if err != nil {
		return err
	}
	sar := firstSAPayload(chain)
	gotHash := payloadBody(chain, PayloadHash)
	sa.nrPrime = payloadBody(chain, PayloadNonce)
	if sar == nil || gotHash == nil || sa.nrPrime == nil || len(sar.Proposals) == 0 {
		return errMissingPayload
	}
	sarBody := sar.encodeBody()
	wantHash := QuickHash2(sa.skeyidA, sa.messageIDPhase2, sa.niPrime, sarBody, sa.nrPrime)
	if !bytesEqual(gotHash, wantHash) {
		return errHashMismatch
	}
	copy(sa.peerSPI[:], sar.Proposals[0].SPI)

	hash3 := QuickHash3(sa.skeyidA, sa.messageIDPhase2, sa.niPrime, sa.nrPrime)
	chainOut := Chain{{Kind: PayloadHash, Hash: hash3}}
	var buf [256]byte
	n, err := sa.writeEncrypted(buf[:], ExchangeQuickMode, sa.messageIDPhase2, chainOut, chainIV)
	if err != nil {
		return err
	}
	sa.pendingOut = append(sa.pendingOut[:0], buf[:n]...)
	sa.finishQuickMode()
	return nil
}

func (sa *SA) finishQuickMode() {
	encKeyLen := cipherKeyLen(sa.espCryptoAlg)
	const hmacKeyLen = 20
	out := DeriveKeymat(sa.skeyidD, ProtoIPsecESP, sa.peerSPI[:], sa.niPrime, sa.nrPrime, encKeyLen, hmacKeyLen)
	in := DeriveKeymat(sa.skeyidD, ProtoIPsecESP, sa.ourSPI[:], sa.niPrime, sa.nrPrime, encKeyLen, hmacKeyLen)
	sa.EncryptKeyOut, sa.HMACKeyOut = out.EncryptKey, out.HMACKey
	sa.EncryptKeyIn, sa.HMACKeyIn = in.EncryptKey, in.HMACKey
	sa.SPIOut = sa.peerSPI
	sa.SPIIn = sa.ourSPI
	sa.state = StatePhase2Established
	sa.established2Tick = sa.lastActivityTick
	sa.bytesTransferred = 0
}

// --- Informational exchange ---

func (sa *SA) handleInformational(hdr Header, msg []byte) error {
	var chain Chain
	if hdr.Flags()&FlagEncryption != 0 && len(sa.skeyidE) > 0 {
		iv := Phase2IV(sa.phase1BaseIV, hdr.MessageID())
		ciphertext := msg[HeaderSize:]
		plain, err := ikecrypto.DecryptCBC(sa.skeyidE, iv, ciphertext)
		if err != nil {
			return err
		}
		plain, err = ikecrypto.UnpadLastByte(plain)
		if err != nil {
			return err
		}
		chain, err = DecodeChain(hdr.NextPayload(), plain)
		if err != nil {
			return err
		}
	} else {
		var err error
		chain, err = DecodeChain(hdr.NextPayload(), msg[HeaderSize:])
		if err != nil {
			return err
		}
	}
	for _, p := range chain {
		if p.Kind != PayloadDelete {
			continue
		}
		switch p.Delete.ProtocolID {
		case ProtoISAKMP:
			sa.state = StateDead
		case ProtoIPsecESP:
			sa.Phase2Dead = true
		}
	}
	return nil
}

// BuildDelete encodes an Informational Delete message tearing down protocol
// (ProtoISAKMP for the whole Phase-1 SA, ProtoIPsecESP for the child SA).
func (sa *SA) BuildDelete(now uint64, dst []byte, protocol uint8, spis [][]byte) (int, error) {
	del := DeletePayload{DOI: 1, ProtocolID: protocol, SPISize: uint8(len(firstOrEmpty(spis))), SPIs: spis}
	chain := Chain{{Kind: PayloadDelete, Delete: &del}}
	var mid [4]byte
	rand.Read(mid[:])
	messageID := uint32(mid[0])<<24 | uint32(mid[1])<<16 | uint32(mid[2])<<8 | uint32(mid[3])
	if len(sa.skeyidE) == 0 {
		return sa.writeCleartext(dst, ExchangeInformational, messageID, chain)
	}
	iv := Phase2IV(sa.phase1BaseIV, messageID)
	n, err := sa.writeEncrypted(dst, ExchangeInformational, messageID, chain, iv)
	sa.touch(now)
	return n, err
}

func firstOrEmpty(spis [][]byte) []byte {
	if len(spis) == 0 {
		return nil
	}
	return spis[0]
}

// VerifyPeerCertificate checks a CERT payload received during Aggressive or
// Main mode message 6 against the configured CA, when AuthCert is in use.
func VerifyPeerCertificate(certDER []byte, ca *x509.Certificate) (*x509.Certificate, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}
	if ca == nil {
		return leaf, nil
	}
	if err := credential.VerifyChain(leaf, ca); err != nil {
		return nil, err
	}
	return leaf, nil
}

// SignHash signs hashed using the local private key for RSA-SIG
// authentication, replacing the HASH payload with a SIGNATURE payload.
func SignHash(key *rsa.PrivateKey, hashed []byte) ([]byte, error) {
	return ikecrypto.SignRaw(key, hashed)
}
