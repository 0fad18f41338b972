// Package mdns provides optional mDNS/Bonjour advertisement of a running
// review server.
//
// When enabled, the daemon advertises itself on the local network using
// DNS-SD so that a tablet or phone on the same network can open the diff
// viewer without typing an address. Advertisement is opt-in and only
// reveals presence plus the viewer URL.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for review servers, following
// the standard Bonjour naming convention.
const ServiceType = "_diffdeck._tcp"

// ProtocolVersion identifies the advertisement format for compatibility.
const ProtocolVersion = "1"

// Config holds the advertisement parameters.
type Config struct {
	// Port is the server port to advertise.
	Port int

	// URL is the viewer URL clients should open (http://host:port/).
	URL string

	// Name is a human-readable instance name. Defaults to the system
	// hostname if empty.
	Name string
}

// Advertiser manages DNS-SD registration for one server. Registration
// failure is reported but never treated as fatal by callers.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Safe to call multiple times; subsequent
// calls are no-ops while running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "diffdeck"
		} else {
			name = hostname
		}
	}

	// TXT records are limited to 255 bytes per string; a loopback or
	// LAN viewer URL fits comfortably.
	txtRecords := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}
	if a.config.URL != "" {
		txtRecords = append(txtRecords, fmt.Sprintf("url=%s", a.config.URL))
	}

	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		txtRecords,
		nil, // all network interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call multiple times or on an
// advertiser that was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the advertisement is active.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredServer is a review server found on the local network.
type DiscoveredServer struct {
	// Name is the advertised instance name.
	Name string

	// Host is the IP address, IPv4 preferred.
	Host string

	// Port is the advertised server port.
	Port int

	// URL is the viewer URL from the TXT record, when present.
	URL string

	// Version is the advertisement format version.
	Version string
}

// Discover browses for review servers until ctx expires and returns
// what it found. Backs `status --lan`.
func Discover(ctx context.Context) ([]DiscoveredServer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		servers []DiscoveredServer
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			srv := DiscoveredServer{
				Name: entry.Instance,
				Port: entry.Port,
			}
			if len(entry.AddrIPv4) > 0 {
				srv.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				srv.Host = entry.AddrIPv6[0].String()
			}
			for _, txt := range entry.Text {
				switch {
				case strings.HasPrefix(txt, "url="):
					srv.URL = txt[len("url="):]
				case strings.HasPrefix(txt, "version="):
					srv.Version = txt[len("version="):]
				case strings.HasPrefix(txt, "name="):
					srv.Name = txt[len("name="):]
				}
			}
			mu.Lock()
			servers = append(servers, srv)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The resolver closes the entries channel when ctx is done.
	<-ctx.Done()
	wg.Wait()

	return servers, nil
}
