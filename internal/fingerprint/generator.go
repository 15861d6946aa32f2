package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Device is a deterministic desktop identity presented when a session links
// as a companion device.
type Device struct {
	DeviceID     string `json:"deviceId"`
	MACAddress   string `json:"macAddress"`
	ComputerName string `json:"computerName"`
	UserAgent    string `json:"userAgent"`
	Timezone     string `json:"timezone"`
	Language     string `json:"language"`
	Country      string `json:"country"`
}

type locale struct {
	Timezone string
	Language string
}

var locales = map[string]locale{
	"US": {Timezone: "America/New_York", Language: "en-US"},
	"IL": {Timezone: "Asia/Jerusalem", Language: "he-IL"},
	"GB": {Timezone: "Europe/London", Language: "en-GB"},
	"DE": {Timezone: "Europe/Berlin", Language: "de-DE"},
	"FR": {Timezone: "Europe/Paris", Language: "fr-FR"},
	"CA": {Timezone: "America/Toronto", Language: "en-CA"},
	"AU": {Timezone: "Australia/Sydney", Language: "en-AU"},
	"BR": {Timezone: "America/Sao_Paulo", Language: "pt-BR"},
	"IN": {Timezone: "Asia/Kolkata", Language: "en-IN"},
	"JP": {Timezone: "Asia/Tokyo", Language: "ja-JP"},
}

var clientVersions = []string{
	"2.24.1.6",
	"2.24.2.76",
	"2.24.3.79",
	"2.24.4.78",
	"2.24.5.78",
	"2.24.6.82",
	"2.24.7.80",
	"2.24.8.83",
}

// ForSession derives the identity of one session. The same seed, session and
// country always give the same device, so a restored session keeps presenting
// the identity it was linked with.
func ForSession(seed, sessionID, country string) Device {
	if seed == "" {
		seed = "default-seed"
	}
	return Generate(seed+"/"+sessionID, country)
}

// Generate derives a device from a seed.
func Generate(seed, country string) Device {
	if country == "" {
		country = "US"
	}
	country = strings.ToUpper(country)

	sum := sha256.Sum256([]byte(seed))
	hashHex := hex.EncodeToString(sum[:])

	// Locally administered unicast MAC.
	mac := []byte(hashHex[16:28])
	if mac[1] >= '0' && mac[1] <= '9' {
		mac[1] = '2'
	} else {
		mac[1] = 'a'
	}
	octets := make([]string, 6)
	for i := range octets {
		octets[i] = strings.ToUpper(string(mac[i*2 : i*2+2]))
	}

	version := clientVersions[int(sum[0])%len(clientVersions)]

	loc, ok := locales[country]
	if !ok {
		loc = locales["US"]
	}

	return Device{
		DeviceID:     hashHex[:16],
		MACAddress:   strings.Join(octets, ":"),
		ComputerName: "DESKTOP-" + strings.ToUpper(hashHex[28:35]),
		UserAgent:    fmt.Sprintf("WhatsApp/%s Windows/10.0.19045", version),
		Timezone:     loc.Timezone,
		Language:     loc.Language,
		Country:      country,
	}
}

// OSName is the operating system string shown in the phone's linked devices.
func (d Device) OSName() string {
	return "Windows " + d.ComputerName
}
