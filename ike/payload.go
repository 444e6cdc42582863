package ike

import (
	"encoding/binary"
	"errors"
)

// PayloadKind is the ISAKMP generic payload header's "payload type" field
// and also doubles as the "next payload" field value naming it.
type PayloadKind uint8

const (
	PayloadNone        PayloadKind = 0
	PayloadSA          PayloadKind = 1
	PayloadProposal    PayloadKind = 2
	PayloadTransform   PayloadKind = 3
	PayloadKE          PayloadKind = 4
	PayloadID          PayloadKind = 5
	PayloadCert        PayloadKind = 6
	PayloadCertRequest PayloadKind = 7
	PayloadHash        PayloadKind = 8
	PayloadSignature   PayloadKind = 9
	PayloadNonce       PayloadKind = 10
	PayloadNotify      PayloadKind = 11
	PayloadDelete      PayloadKind = 12
	PayloadVendorID    PayloadKind = 13
)

// Attribute is one SA-attribute TV/TLV pair inside a Transform payload.
type Attribute struct {
	Type  uint16
	Value []byte // length 2 if this was a TV-encoded (AF=1) attribute
}

const attrAFBit = 1 << 15

func decodeAttributes(buf []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, errors.New("ike: truncated attribute")
		}
		typ := binary.BigEndian.Uint16(buf[0:2])
		if typ&attrAFBit != 0 {
			attrs = append(attrs, Attribute{Type: typ &^ attrAFBit, Value: buf[2:4]})
			buf = buf[4:]
			continue
		}
		length := binary.BigEndian.Uint16(buf[2:4])
		if len(buf) < 4+int(length) {
			return nil, errors.New("ike: truncated TLV attribute")
		}
		attrs = append(attrs, Attribute{Type: typ, Value: buf[4 : 4+length]})
		buf = buf[4+length:]
	}
	return attrs, nil
}

func encodeAttributes(attrs []Attribute) []byte {
	var out []byte
	for _, a := range attrs {
		if len(a.Value) == 2 {
			var hdr [2]byte
			binary.BigEndian.PutUint16(hdr[:], a.Type|attrAFBit)
			out = append(out, hdr[:]...)
			out = append(out, a.Value...)
			continue
		}
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], a.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		out = append(out, hdr[:]...)
		out = append(out, a.Value...)
	}
	return out
}

// TransformPayload is one cipher/hash/auth/group/lifetime proposal inside
// a Proposal payload.
type TransformPayload struct {
	Number      uint8
	TransformID uint8
	Attributes  []Attribute
}

func decodeTransform(buf []byte) (TransformPayload, error) {
	if len(buf) < 4 {
		return TransformPayload{}, errors.New("ike: short transform")
	}
	t := TransformPayload{Number: buf[0], TransformID: buf[1]}
	attrs, err := decodeAttributes(buf[4:])
	if err != nil {
		return TransformPayload{}, err
	}
	t.Attributes = attrs
	return t, nil
}

func (t TransformPayload) encodeBody() []byte {
	body := make([]byte, 4)
	body[0] = t.Number
	body[1] = t.TransformID
	return append(body, encodeAttributes(t.Attributes)...)
}

// ProposalPayload is one (protocol, SPI, transforms) alternative inside
// an SA payload.
type ProposalPayload struct {
	Number     uint8
	ProtocolID uint8
	SPI        []byte
	Transforms []TransformPayload
}

func decodeProposal(buf []byte) (ProposalPayload, []byte, error) {
	if len(buf) < 8 {
		return ProposalPayload{}, nil, errors.New("ike: short proposal generic header")
	}
	// buf here starts at the proposal's own generic header (next-payload,
	// reserved, length) since proposals/transforms chain with the same
	// generic-payload shape as top-level payloads, but are parsed from
	// inside an SA payload body rather than from the ISAKMP message chain.
	length := binary.BigEndian.Uint16(buf[2:4])
	if int(length) > len(buf) || length < 8 {
		return ProposalPayload{}, nil, errors.New("ike: bad proposal length")
	}
	body := buf[4:length]
	rest := buf[length:]
	if len(body) < 4 {
		return ProposalPayload{}, nil, errors.New("ike: short proposal body")
	}
	p := ProposalPayload{Number: body[0], ProtocolID: body[1]}
	spiSize := int(body[2])
	numTransforms := int(body[3])
	off := 4
	if len(body) < off+spiSize {
		return ProposalPayload{}, nil, errors.New("ike: short proposal SPI")
	}
	p.SPI = body[off : off+spiSize]
	off += spiSize
	for i := 0; i < numTransforms; i++ {
		if len(body) < off+8 {
			return ProposalPayload{}, nil, errors.New("ike: short transform header")
		}
		tlen := binary.BigEndian.Uint16(body[off+2 : off+4])
		if int(tlen) < 8 || len(body) < off+int(tlen) {
			return ProposalPayload{}, nil, errors.New("ike: bad transform length")
		}
		tr, err := decodeTransform(body[off+4 : off+int(tlen)])
		if err != nil {
			return ProposalPayload{}, nil, err
		}
		p.Transforms = append(p.Transforms, tr)
		off += int(tlen)
	}
	return p, rest, nil
}

func (p ProposalPayload) encode(isLast bool) []byte {
	body := []byte{p.Number, p.ProtocolID, byte(len(p.SPI)), byte(len(p.Transforms))}
	body = append(body, p.SPI...)
	for i, t := range p.Transforms {
		tbody := t.encodeBody()
		next := byte(PayloadTransform)
		if i == len(p.Transforms)-1 {
			next = 0
		}
		hdr := []byte{next, 0, 0, 0}
		binary.BigEndian.PutUint16(hdr[2:4], uint16(4+len(tbody)))
		body = append(body, hdr...)
		body = append(body, tbody...)
	}
	next := byte(PayloadProposal)
	if isLast {
		next = 0
	}
	hdr := []byte{next, 0, 0, 0}
	binary.BigEndian.PutUint16(hdr[2:4], uint16(4+len(body)))
	return append(hdr, body...)
}

// SAPayload is the Security Association payload: a DOI/situation pair
// followed by one or more alternative Proposals.
type SAPayload struct {
	DOI       uint32
	Situation uint32
	Proposals []ProposalPayload
}

func decodeSA(body []byte) (SAPayload, error) {
	if len(body) < 8 {
		return SAPayload{}, errors.New("ike: short SA payload")
	}
	sa := SAPayload{
		DOI:       binary.BigEndian.Uint32(body[0:4]),
		Situation: binary.BigEndian.Uint32(body[4:8]),
	}
	rest := body[8:]
	for len(rest) > 0 {
		p, next, err := decodeProposal(rest)
		if err != nil {
			return SAPayload{}, err
		}
		sa.Proposals = append(sa.Proposals, p)
		rest = next
	}
	return sa, nil
}

func (sa SAPayload) encodeBody() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], sa.DOI)
	binary.BigEndian.PutUint32(body[4:8], sa.Situation)
	for i, p := range sa.Proposals {
		body = append(body, p.encode(i == len(sa.Proposals)-1)...)
	}
	return body
}

// IDPayload identifies a Phase-1 or Phase-2 endpoint.
type IDPayload struct {
	IDType   uint8
	Protocol uint8
	Port     uint16
	Data     []byte
}

// ID type values used by this engine (RFC 2407 §4.6.2).
const (
	IDIPv4Addr     uint8 = 1
	IDFQDN         uint8 = 2
	IDUserFQDN     uint8 = 3
	IDIPv4Subnet   uint8 = 4
	IDIPv6Addr     uint8 = 5
	IDIPv6Subnet   uint8 = 6
	IDKeyID        uint8 = 11
)

func decodeID(body []byte) (IDPayload, error) {
	if len(body) < 4 {
		return IDPayload{}, errors.New("ike: short ID payload")
	}
	return IDPayload{
		IDType:   body[0],
		Protocol: body[1],
		Port:     binary.BigEndian.Uint16(body[2:4]),
		Data:     body[4:],
	}, nil
}

func (id IDPayload) encodeBody() []byte {
	body := make([]byte, 4, 4+len(id.Data))
	body[0] = id.IDType
	body[1] = id.Protocol
	binary.BigEndian.PutUint16(body[2:4], id.Port)
	return append(body, id.Data...)
}

// CertPayload carries an encoded certificate.
type CertPayload struct {
	Encoding uint8
	Data     []byte
}

// Certificate encoding values (RFC 2408 §3.9).
const CertEncodingX509Sig uint8 = 4

func decodeCert(body []byte) (CertPayload, error) {
	if len(body) < 1 {
		return CertPayload{}, errors.New("ike: short CERT payload")
	}
	return CertPayload{Encoding: body[0], Data: body[1:]}, nil
}

func (c CertPayload) encodeBody() []byte {
	return append([]byte{c.Encoding}, c.Data...)
}

// CertRequestPayload requests a certificate of a given type from a CA.
type CertRequestPayload struct {
	CertType       uint8
	CertAuthority  []byte
}

func decodeCertRequest(body []byte) (CertRequestPayload, error) {
	if len(body) < 1 {
		return CertRequestPayload{}, errors.New("ike: short CERTREQ payload")
	}
	return CertRequestPayload{CertType: body[0], CertAuthority: body[1:]}, nil
}

func (c CertRequestPayload) encodeBody() []byte {
	return append([]byte{c.CertType}, c.CertAuthority...)
}

// NotifyPayload reports protocol status or error conditions.
type NotifyPayload struct {
	DOI        uint32
	ProtocolID uint8
	MsgType    uint16
	SPI        []byte
	Data       []byte
}

// Notify message types this engine emits or recognizes (RFC 2408 §3.14.1).
const (
	NotifyInvalidPayloadType   uint16 = 1
	NotifyDoiNotSupported      uint16 = 2
	NotifyPayloadMalformed     uint16 = 16
	NotifyAuthenticationFailed uint16 = 24
	NotifyConnected            uint16 = 16384
)

func decodeNotify(body []byte) (NotifyPayload, error) {
	if len(body) < 8 {
		return NotifyPayload{}, errors.New("ike: short NOTIFY payload")
	}
	n := NotifyPayload{
		DOI:        binary.BigEndian.Uint32(body[0:4]),
		ProtocolID: body[4],
	}
	spiSize := int(body[5])
	n.MsgType = binary.BigEndian.Uint16(body[6:8])
	off := 8
	if len(body) < off+spiSize {
		return NotifyPayload{}, errors.New("ike: short NOTIFY SPI")
	}
	n.SPI = body[off : off+spiSize]
	n.Data = body[off+spiSize:]
	return n, nil
}

func (n NotifyPayload) encodeBody() []byte {
	body := make([]byte, 8, 8+len(n.SPI)+len(n.Data))
	binary.BigEndian.PutUint32(body[0:4], n.DOI)
	body[4] = n.ProtocolID
	body[5] = byte(len(n.SPI))
	binary.BigEndian.PutUint16(body[6:8], n.MsgType)
	body = append(body, n.SPI...)
	body = append(body, n.Data...)
	return body
}

// DeletePayload names a set of SAs (by SPI) to tear down.
type DeletePayload struct {
	DOI        uint32
	ProtocolID uint8
	SPISize    uint8
	SPIs       [][]byte
}

func decodeDelete(body []byte) (DeletePayload, error) {
	if len(body) < 8 {
		return DeletePayload{}, errors.New("ike: short DELETE payload")
	}
	d := DeletePayload{
		DOI:        binary.BigEndian.Uint32(body[0:4]),
		ProtocolID: body[4],
		SPISize:    body[5],
	}
	numSPIs := int(binary.BigEndian.Uint16(body[6:8]))
	off := 8
	for i := 0; i < numSPIs; i++ {
		if len(body) < off+int(d.SPISize) {
			return DeletePayload{}, errors.New("ike: short DELETE SPI list")
		}
		d.SPIs = append(d.SPIs, body[off:off+int(d.SPISize)])
		off += int(d.SPISize)
	}
	return d, nil
}

func (d DeletePayload) encodeBody() []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], d.DOI)
	body[4] = d.ProtocolID
	body[5] = d.SPISize
	binary.BigEndian.PutUint16(body[6:8], uint16(len(d.SPIs)))
	for _, spi := range d.SPIs {
		body = append(body, spi...)
	}
	return body
}

// Payload is the tagged union of every IKEv1 payload type this engine
// parses or builds (spec.md §9 "Payload variant tree"). Exactly one of
// the typed fields is populated, selected by Kind; Raw holds the body of
// any payload kind not otherwise modeled (used for forward compatibility
// when demuxing unexpected payload types, e.g. unsolicited vendor IDs).
type Payload struct {
	Kind        PayloadKind
	SA          *SAPayload
	KE          []byte
	ID          *IDPayload
	Cert        *CertPayload
	CertRequest *CertRequestPayload
	Hash        []byte
	Signature   []byte
	Nonce       []byte
	Notify      *NotifyPayload
	Delete      *DeletePayload
	VendorID    []byte
	Raw         []byte
}

// Chain is an ordered list of payloads following an ISAKMP header or
// decrypted payload block.
type Chain []Payload

// DecodeChain walks the generic-payload-header linked list starting with
// firstKind, consuming buf in full.
func DecodeChain(firstKind PayloadKind, buf []byte) (Chain, error) {
	var chain Chain
	kind := firstKind
	for kind != PayloadNone {
		if len(buf) < 4 {
			return nil, errors.New("ike: truncated payload header")
		}
		next := PayloadKind(buf[0])
		length := binary.BigEndian.Uint16(buf[2:4])
		if int(length) < 4 || int(length) > len(buf) {
			return nil, errors.New("ike: bad payload length")
		}
		body := buf[4:length]
		p, err := decodePayloadBody(kind, body)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		buf = buf[length:]
		kind = next
	}
	return chain, nil
}

func decodePayloadBody(kind PayloadKind, body []byte) (Payload, error) {
	p := Payload{Kind: kind}
	var err error
	switch kind {
	case PayloadSA:
		var sa SAPayload
		sa, err = decodeSA(body)
		p.SA = &sa
	case PayloadKE:
		p.KE = body
	case PayloadID:
		var id IDPayload
		id, err = decodeID(body)
		p.ID = &id
	case PayloadCert:
		var c CertPayload
		c, err = decodeCert(body)
		p.Cert = &c
	case PayloadCertRequest:
		var c CertRequestPayload
		c, err = decodeCertRequest(body)
		p.CertRequest = &c
	case PayloadHash:
		p.Hash = body
	case PayloadSignature:
		p.Signature = body
	case PayloadNonce:
		p.Nonce = body
	case PayloadNotify:
		var n NotifyPayload
		n, err = decodeNotify(body)
		p.Notify = &n
	case PayloadDelete:
		var d DeletePayload
		d, err = decodeDelete(body)
		p.Delete = &d
	case PayloadVendorID:
		p.VendorID = body
	default:
		p.Raw = body
	}
	return p, err
}

func (p Payload) encodeBody() []byte {
	switch p.Kind {
	case PayloadSA:
		return p.SA.encodeBody()
	case PayloadKE:
		return p.KE
	case PayloadID:
		return p.ID.encodeBody()
	case PayloadCert:
		return p.Cert.encodeBody()
	case PayloadCertRequest:
		return p.CertRequest.encodeBody()
	case PayloadHash:
		return p.Hash
	case PayloadSignature:
		return p.Signature
	case PayloadNonce:
		return p.Nonce
	case PayloadNotify:
		return p.Notify.encodeBody()
	case PayloadDelete:
		return p.Delete.encodeBody()
	case PayloadVendorID:
		return p.VendorID
	default:
		return p.Raw
	}
}

// EncodeChain serializes the chain, wiring up each payload's next-payload
// field, and returns the full byte sequence to follow the ISAKMP header.
func EncodeChain(chain Chain) []byte {
	var out []byte
	for i, p := range chain {
		body := p.encodeBody()
		next := PayloadNone
		if i < len(chain)-1 {
			next = chain[i+1].Kind
		}
		hdr := make([]byte, 4)
		hdr[0] = byte(next)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(4+len(body)))
		out = append(out, hdr...)
		out = append(out, body...)
	}
	return out
}
