package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultWebRTCUDPListenIP = "0.0.0.0"

	// Each PeerConnection gathers only a few candidates, so any range narrower
	// than this is taken for a typo.
	minWebRTCUDPPortRangeSize = 10
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

func (r UDPPortRange) Size() int {
	return int(r.Max) - int(r.Min) + 1
}

// networkFlags holds the raw ICE socket settings. Values start from the
// environment and may be overridden by flags; resolve validates them.
type networkFlags struct {
	portMin, portMax string
	listenIP         string
	nat1To1IPs       string
	nat1To1Type      string
}

func networkFlagsFromEnv(lookup func(string) (string, bool)) networkFlags {
	return networkFlags{
		portMin:     envOrDefault(lookup, envVarWebRTCUDPPortMin, ""),
		portMax:     envOrDefault(lookup, envVarWebRTCUDPPortMax, ""),
		listenIP:    envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
		nat1To1IPs:  envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		nat1To1Type: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}
}

func (n *networkFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&n.portMin, "webrtc-udp-port-min", n.portMin, "Lowest UDP port for ICE sockets (env "+envVarWebRTCUDPPortMin+")")
	fs.StringVar(&n.portMax, "webrtc-udp-port-max", n.portMax, "Highest UDP port for ICE sockets (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&n.listenIP, "webrtc-udp-listen-ip", n.listenIP, "Local address ICE binds UDP sockets to (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&n.nat1To1IPs, "webrtc-nat-1to1-ips", n.nat1To1IPs, "Comma-separated public IPs advertised in ICE candidates (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&n.nat1To1Type, "webrtc-nat-1to1-ip-candidate-type", n.nat1To1Type, "Candidate type for the NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
}

func (n networkFlags) resolve(cfg *Config) error {
	portRange, err := parseUDPPortRange(n.portMin, n.portMax)
	if err != nil {
		return err
	}
	cfg.WebRTCUDPPortRange = portRange

	cfg.WebRTCUDPListenIP = net.ParseIP(strings.TrimSpace(n.listenIP))
	if cfg.WebRTCUDPListenIP == nil {
		return fmt.Errorf("%s: %q is not an IP address", envVarWebRTCUDPListenIP, n.listenIP)
	}

	if strings.TrimSpace(n.nat1To1IPs) != "" {
		cfg.WebRTCNAT1To1IPs, err = parseIPList(n.nat1To1IPs)
		if err != nil {
			return fmt.Errorf("%s: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}

	switch t := NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(n.nat1To1Type))); t {
	case "":
		cfg.WebRTCNAT1To1IPCandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeHost, NAT1To1CandidateTypeSrflx:
		cfg.WebRTCNAT1To1IPCandidateType = t
	default:
		return fmt.Errorf("%s: unknown candidate type %q (expected host or srflx)", envVarWebRTCNAT1To1IPCandidateType, n.nat1To1Type)
	}
	return nil
}

// parseUDPPortRange returns nil when neither bound is set.
func parseUDPPortRange(minRaw, maxRaw string) (*UDPPortRange, error) {
	minRaw, maxRaw = strings.TrimSpace(minRaw), strings.TrimSpace(maxRaw)
	if minRaw == "" && maxRaw == "" {
		return nil, nil
	}
	if minRaw == "" || maxRaw == "" {
		return nil, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	lo, err := parsePort(minRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
	}
	hi, err := parsePort(maxRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
	}
	r := &UDPPortRange{Min: lo, Max: hi}
	if lo > hi {
		return nil, fmt.Errorf("WebRTC UDP port range %d-%d is inverted", lo, hi)
	}
	if r.Size() < minWebRTCUDPPortRangeSize {
		return nil, fmt.Errorf("WebRTC UDP port range %d-%d is too small (%d ports, need %d)", lo, hi, r.Size(), minWebRTCUDPPortRangeSize)
	}
	return r, nil
}

func parsePort(raw string) (uint16, error) {
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint16(v), nil
}

func parseIPList(raw string) ([]string, error) {
	var ips []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("%q is not an IP address", part)
		}
		ips = append(ips, ip.String())
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses")
	}
	return ips, nil
}

// IsUnspecifiedIP reports whether ip leaves the bind address to pion.
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}
