package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_envtelemetry._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the diagnostics endpoint so devices can be found on the LAN.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "envtelemetry"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Telemetry Agent %s (%s)", a.cfg.Identity.ClientID, hostname))

	txt := []string{
		fmt.Sprintf("client_id=%s", a.cfg.Identity.ClientID),
		fmt.Sprintf("product_id=%s", a.cfg.Identity.ProductID),
		fmt.Sprintf("mode=%s", a.cfg.Mode),
		fmt.Sprintf("boot_id=%s", a.bootID),
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Telemetry Agent"
	}
	// Instance labels must be <=63 characters.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
