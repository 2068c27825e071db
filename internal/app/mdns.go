package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_taxifleet._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API so in-car tablets on the depot LAN can
// find the server without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "taxifleet"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Taxi Fleet Server (%s)", hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(hostname), nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) mdnsTXT(hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"api=/api",
		"ws=/ws/fleet",
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if a.cfg.MQTT.BrokerURL != "" {
		txt = append(txt, "mqtt="+a.cfg.MQTT.BrokerURL, "mqtt_topic="+a.cfg.MQTT.IngestTopic)
	}
	return txt
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// Instance names allow up to 63 bytes; dots and underscores would be read as
// label separators.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Taxi Fleet Server"
	}
	return truncateString(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "taxifleet"
	}
	return truncateString(cleaned, 63)
}
