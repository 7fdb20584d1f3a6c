package app

import (
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_fieldcam._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the status API so a technician's laptop can find the node on the site network.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	instance := sanitizeMDNSInstance(fmt.Sprintf("fieldcam %s", a.cfg.DeviceID))
	txt := mdnsTXT(a.cfg.DeviceID, a.cfg.Site, a.cfg.MetricsPort)

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

func mdnsTXT(deviceID, site string, metricsPort int) []string {
	txt := []string{
		"device=" + sanitizeMDNSHost(deviceID),
		"proto=v1",
		"api=/api/status",
	}
	if site != "" {
		txt = append(txt, "site="+strings.TrimSpace(site))
	}
	if metricsPort > 0 {
		txt = append(txt, fmt.Sprintf("metrics_port=%d", metricsPort))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if strings.TrimSpace(cleaned) == "" || cleaned == "fieldcam" {
		cleaned = "fieldcam node"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "fieldcam"
	}
	// Host labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
