package dhcpv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/vkernel/ikevpn"
	"github.com/vkernel/ikevpn/internal"
)

// ServerConfig is the subset of spec.md §6's DHCP key family ("Dhcp*")
// this server needs to hand out leases: the server's own address and
// subnet, the pool to allocate from (implicitly ServerAddr+1 through the
// top of Subnet), and the options advertised in every OFFER/ACK.
type ServerConfig struct {
	ServerAddr   [4]byte
	Gateway      [4]byte
	DNS          [4]byte
	Domain       string
	Subnet       netip.Prefix
	LeaseSeconds uint32
	MTU          uint16
	Port         uint16
}

const defaultLeaseSeconds = 3600

// Server implements a minimal DHCPv4 server: one Ethernet/IP link, one
// address pool allocated sequentially starting at ServerAddr+1, no
// persistent lease storage across restarts (the engine re-serves from
// scratch, matching spec.md's "no persistent state required for
// correctness").
type Server struct {
	connID   uint64
	cfg      ServerConfig
	nextAddr netip.Addr
	hosts    map[[36]byte]serverEntry
	vld      ikevpn.Validator
	pending  int
}

type serverEntry struct {
	hostname    string
	xid         uint32
	port        uint16
	addr        [4]byte
	requestlist [10]byte
	hwaddr      [6]byte
	clientIdlen uint8
	// Possible states:
	//  - 0: No entry/uninitialized
	//  - Init: Server received discover, pending Offer sent out.
	//  - Selecting: Server sent out offer, request not received.
	//  - Requesting: Request received, pending Ack sent out.
	//  - Bound: Request sent out, no more pending data to be sent.
	state ClientState
}

// Configure resets the server to serve cfg's pool from scratch, dropping
// any existing leases. It rejects a zero Subnet or a ServerAddr outside
// that Subnet.
func (sv *Server) Configure(cfg ServerConfig) error {
	if !cfg.Subnet.IsValid() || cfg.Subnet.Bits() < 0 {
		return errors.New("dhcpv4: zero Subnet in ServerConfig")
	}
	if !cfg.Subnet.Contains(netip.AddrFrom4(cfg.ServerAddr)) {
		return errors.New("dhcpv4: ServerAddr outside Subnet")
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = defaultLeaseSeconds
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultServerPort
	}
	*sv = Server{
		connID:   sv.connID + 1,
		cfg:      cfg,
		nextAddr: netip.AddrFrom4(cfg.ServerAddr),
		hosts:    sv.hosts,
	}
	if sv.hosts == nil {
		sv.hosts = make(map[[36]byte]serverEntry)
	} else {
		for k := range sv.hosts {
			delete(sv.hosts, k)
		}
	}
	return nil
}

// Reset is a convenience wrapper over Configure for callers that only
// care about the server address and port, defaulting to a /24 pool
// rooted at serverAddr.
func (sv *Server) Reset(serverAddr [4]byte, port uint16) {
	sv.Configure(ServerConfig{
		ServerAddr: serverAddr,
		Subnet:     netip.PrefixFrom(netip.AddrFrom4(serverAddr), 24),
		Port:       port,
	})
}

func (sv *Server) ConnectionID() *uint64 { return &sv.connID }
func (sv *Server) Protocol() uint64      { return uint64(ikevpn.IPProtoUDP) }
func (sv *Server) Port() uint16          { return sv.cfg.Port }

func (sv *Server) Demux(carrierData []byte, frameOffset int) error {
	isIPLayer := frameOffset >= 28
	dhcpData := carrierData[frameOffset:]
	dfrm, err := NewFrame(dhcpData)
	if err != nil {
		return err
	}
	dfrm.ValidateSize(&sv.vld)
	if sv.vld.HasError() {
		return sv.vld.ErrPop()
	}

	var msgType MessageType
	var clientID []byte
	var reqlist []byte
	var reqAddr []byte
	var hostname []byte
	err = dfrm.ForEachOption(func(_ int, op OptNum, data []byte) error {
		switch op {
		case OptMessageType:
			if len(data) == 1 {
				msgType = MessageType(data[0])
			}
		case OptHostName:
			if len(data) <= 36 {
				hostname = data
			}
		case OptClientIdentifier:
			if len(data) <= 36 {
				clientID = data
			}
		case OptParameterRequestList:
			if len(data) > 36 {
				return errors.New("too many request options")
			}
			reqlist = data
		case OptRequestedIPaddress:
			if len(data) == 4 {
				reqAddr = data
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	var clientIDRaw [36]byte
	var client serverEntry
	var clientExists bool
	if len(clientID) == 0 {
		client, clientIDRaw, clientExists = sv.getClientByIP(*dfrm.CIAddr())
	} else {
		copy(clientIDRaw[:], clientID)
		client, clientExists = sv.getClient(clientIDRaw)
	}

	switch msgType {
	case MsgDiscover:
		// A client re-discovering after StateBound (reboot, lease lost) is
		// re-served from scratch rather than rejected.
		if clientExists && client.state != StateBound {
			return fmt.Errorf("DHCP Discover on initialized client in state %d", client.state)
		}
		_ = reqAddr
		next := sv.nextAddr.Next()
		if !sv.cfg.Subnet.Contains(next) {
			return errors.New("dhcpv4: address pool exhausted")
		}
		sv.nextAddr = next
		client = serverEntry{}
		copy(client.requestlist[:], reqlist)
		client.addr = sv.nextAddr.As4()
		client.state = StateInit
		client.hostname = string(hostname)
		client.xid = dfrm.XID()
		client.hwaddr = *dfrm.CHAddrAs6()
		if isIPLayer {
			_, client.port, _ = getSrcIPPort(carrierData)
		}
		client.clientIdlen = uint8(len(clientID))
		sv.pending++

	case MsgRequest:
		if !clientExists {
			err = errors.New("request for non existing client?")
		} else if dfrm.XID() != client.xid {
			err = errors.New("unexpected XID for client")
		} else if client.state != StateSelecting && client.state != StateRequesting {
			err = errors.New("DHCP request unexpected state")
		}
		if err != nil {
			break
		}
		client.state = StateRequesting
		sv.pending++

	default:
		err = errors.New("unhandled message type")
	}
	if err != nil {
		return fmt.Errorf("msgtype=%s client=%+v: %w", msgType.String(), client, err)
	}
	sv.hosts[clientIDRaw] = client
	return nil
}

func (sv *Server) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	carrierIsIP := offsetToIP >= 0
	dfrm, err := NewFrame(carrierData[offsetToFrame:])
	if err != nil {
		return 0, err
	}
	optBuf := dfrm.OptionsPayload()
	if len(optBuf) < 255 {
		return 0, errOptionNotFit
	}
	if sv.pending == 0 {
		return 0, nil // No pending outgoing frames.
	}

	var client serverEntry
	var clientID [36]byte
	for k, v := range sv.hosts {
		pending := v.state == StateInit || v.state == StateRequesting
		if pending {
			client = v
			clientID = k
			break
		}
	}
	if client.state == 0 {
		return 0, nil // Nothing to do.
	}
	futureState := ClientState(0)
	var nopt int
	switch client.state {
	case StateInit:
		futureState = StateSelecting
		nopt, err = EncodeOption(optBuf[nopt:], OptMessageType, byte(MsgOffer))
	case StateRequesting:
		futureState = StateBound
		nopt, err = EncodeOption(optBuf[nopt:], OptMessageType, byte(MsgAck))
		*dfrm.CIAddr() = client.addr
	}
	if err != nil {
		return 0, err
	}
	n, _ := EncodeOption(optBuf[nopt:], OptServerIdentification, sv.cfg.ServerAddr[:]...)
	nopt += n
	if sv.cfg.Gateway != ([4]byte{}) {
		n, _ = EncodeOption(optBuf[nopt:], OptRouter, sv.cfg.Gateway[:]...)
		nopt += n
	}
	n, _ = EncodeOption(optBuf[nopt:], OptSubnetMask, subnetMaskBytes(sv.cfg.Subnet)...)
	nopt += n
	if sv.cfg.DNS != ([4]byte{}) {
		n, _ = EncodeOption(optBuf[nopt:], OptDNSServers, sv.cfg.DNS[:]...)
		nopt += n
	}
	if sv.cfg.Domain != "" {
		n, _ = EncodeOptionString(optBuf[nopt:], OptDomainName, sv.cfg.Domain)
		nopt += n
	}
	if sv.cfg.MTU != 0 {
		n, _ = EncodeOption16(optBuf[nopt:], OptInterfaceMTUSize, sv.cfg.MTU)
		nopt += n
	}
	n, _ = EncodeOption32(optBuf[nopt:], OptIPAddressLeaseTime, sv.cfg.LeaseSeconds)
	nopt += n
	n, _ = EncodeOption32(optBuf[nopt:], OptRenewTimeValue, sv.cfg.LeaseSeconds/2)
	nopt += n
	n, _ = EncodeOption32(optBuf[nopt:], OptRebindingTimeValue, sv.cfg.LeaseSeconds*7/8)
	nopt += n
	optBuf[nopt] = byte(OptEnd)
	nopt++

	dfrm.ClearHeader()
	dfrm.SetOp(OpReply)
	dfrm.SetHardware(1, 6, 0)
	dfrm.SetXID(client.xid)
	dfrm.SetSecs(0)
	dfrm.SetFlags(0)
	*dfrm.YIAddr() = client.addr // Offer here.
	*dfrm.SIAddr() = sv.cfg.ServerAddr
	*dfrm.GIAddr() = sv.cfg.Gateway
	copy(dfrm.CHAddrAs6()[:], client.hwaddr[:])
	dfrm.SetMagicCookie(MagicCookie)
	if carrierIsIP {
		err = internal.SetIPAddrs(carrierData[offsetToIP:], 0, sv.cfg.ServerAddr[:], client.addr[:])
		if err != nil {
			return 0, err
		}
	}

	client.state = futureState

	// Set server state.
	sv.hosts[clientID] = client
	sv.pending--
	return OptionsOffset + nopt, nil
}

func subnetMaskBytes(p netip.Prefix) []byte {
	if !p.IsValid() {
		return []byte{0, 0, 0, 0}
	}
	bits := p.Bits()
	var mask uint32
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], mask)
	return out[:]
}

func (sv *Server) getClient(clientID [36]byte) (serverEntry, bool) {
	entry, ok := sv.hosts[clientID]
	return entry, ok
}

func (sv *Server) getClientByIP(ip [4]byte) (serverEntry, [36]byte, bool) {
	for k, v := range sv.hosts {
		if v.addr == ip {
			return v, k, true
		}
	}
	return serverEntry{}, [36]byte{}, false
}

func getSrcIPPort(ipCarrier []byte) (srcaddr []byte, port uint16, err error) {
	srcaddr, _, _, off, err := internal.GetIPAddr(ipCarrier)
	if err != nil {
		return srcaddr, port, err
	} else if len(ipCarrier[off:]) < 2 {
		return srcaddr, port, errors.New("getSrcIPPort got only IP layer")
	}
	port = binary.BigEndian.Uint16(ipCarrier[off:]) // TCP and UDP share same port offsets.
	return srcaddr, port, nil
}
