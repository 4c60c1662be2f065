package server

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoPrivateIP = errors.New("no private IP")

	// carrier-grade NAT, which net.IP.IsPrivate leaves out
	sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}
)

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || sharedAddressSpace.Contains(ip)
}

func addrIP(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.IPAddr:
		return addr.IP
	case *net.IPNet:
		return addr.IP
	}
	return nil
}

// privateIP is the address registered for a listen address without host:
// the first private IPv4 of an interface that is up, else the first private
// IPv6.
func privateIP() (net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var v6 net.IP
	for _, i := range interfaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			return nil, fmt.Errorf("addresses of interface:%v: %w", i.Name, err)
		}
		if ip := pickPrivateIP(addrs); ip != nil {
			if ip.To4() != nil {
				return ip, nil
			}
			if v6 == nil {
				v6 = ip
			}
		}
	}
	if v6 != nil {
		return v6, nil
	}
	return nil, ErrNoPrivateIP
}

// pickPrivateIP prefers IPv4 among one interface's addresses.
func pickPrivateIP(addrs []net.Addr) net.IP {
	var v6 net.IP
	for _, addr := range addrs {
		ip := addrIP(addr)
		if ip == nil || !isPrivateIP(ip) {
			continue
		}
		if ip.To4() != nil {
			return ip
		}
		if v6 == nil {
			v6 = ip
		}
	}
	return v6
}
