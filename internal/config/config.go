/*
 * IKE session daemon configuration factory
 */

package config

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

const (
	IKESESS_EXPECTED_CONFIG_VERSION = "1.0.0"
)

type Config struct {
	Info          *Info          `yaml:"Info"`
	Configuration *Configuration `yaml:"Configuration"`
	Log           *Log           `yaml:"Log"`
}

type Info struct {
	Version     string `yaml:"Version,omitempty"`
	Description string `yaml:"Description,omitempty"`
}

type Configuration struct {
	BindAddress string     `yaml:"BindAddress"`
	IKEPort     int        `yaml:"IKEPort,omitempty"`
	NATTPort    int        `yaml:"NATTPort,omitempty"`
	TaskManager *TMConfig  `yaml:"TaskManager,omitempty"`
	Sessions    []*Session `yaml:"Sessions"`
}

type TMConfig struct {
	Workers     int `yaml:"Workers"`
	QueueLength int `yaml:"QueueLength"`
}

type Session struct {
	Name                  string          `yaml:"Name"`
	Server                string          `yaml:"Server"`
	LocalID               *Identity       `yaml:"LocalID"`
	RemoteID              *Identity       `yaml:"RemoteID,omitempty"`
	Auth                  *Auth           `yaml:"Auth"`
	Proposals             []*Proposal     `yaml:"Proposals,omitempty"`
	RetransmitTimeoutsMs  []int           `yaml:"RetransmitTimeoutsMs,omitempty"`
	DpdDelaySec           int             `yaml:"DpdDelaySec,omitempty"`
	NattKeepaliveDelaySec int             `yaml:"NattKeepaliveDelaySec,omitempty"`
	SoftLifetimeSec       int             `yaml:"SoftLifetimeSec,omitempty"`
	HardLifetimeSec       int             `yaml:"HardLifetimeSec,omitempty"`
	Fragmentation         *bool           `yaml:"Fragmentation,omitempty"`
	ConfigRequests        []string        `yaml:"ConfigRequests,omitempty"`
	ChildSessions         []*ChildSession `yaml:"ChildSessions"`
}

type Identity struct {
	// fqdn, ipv4, ipv6, email, keyid or any
	Type  string `yaml:"Type"`
	Value string `yaml:"Value"`
}

type Auth struct {
	// psk or eap
	Method string `yaml:"Method"`
	PSK    string `yaml:"PSK,omitempty"`
	EAP    *EAP   `yaml:"EAP,omitempty"`
}

type EAP struct {
	Identity string `yaml:"Identity"`
	Password string `yaml:"Password"`
}

// Proposal lists algorithm names, e.g. aes128, aes256gcm16, sha256, modp2048.
type Proposal struct {
	Encryption []string `yaml:"Encryption"`
	Integrity  []string `yaml:"Integrity,omitempty"`
	Prf        []string `yaml:"Prf,omitempty"`
	DhGroup    []string `yaml:"DhGroup,omitempty"`
}

type ChildSession struct {
	Name            string             `yaml:"Name"`
	Mode            string             `yaml:"Mode,omitempty"`
	Proposals       []*Proposal        `yaml:"Proposals,omitempty"`
	LocalTS         []*TrafficSelector `yaml:"LocalTS"`
	RemoteTS        []*TrafficSelector `yaml:"RemoteTS"`
	SoftLifetimeSec int                `yaml:"SoftLifetimeSec,omitempty"`
	HardLifetimeSec int                `yaml:"HardLifetimeSec,omitempty"`
	Xfrm            *Xfrm              `yaml:"Xfrm,omitempty"`
}

type TrafficSelector struct {
	StartAddr string `yaml:"StartAddr"`
	EndAddr   string `yaml:"EndAddr"`
	StartPort int    `yaml:"StartPort,omitempty"`
	EndPort   int    `yaml:"EndPort,omitempty"`
	Protocol  int    `yaml:"Protocol,omitempty"`
}

type Xfrm struct {
	Enable bool   `yaml:"Enable"`
	Mark   uint32 `yaml:"Mark,omitempty"`
	IfID   int    `yaml:"IfID,omitempty"`
}

type Log struct {
	LogPath      string `yaml:"LogPath"`
	DebugLevel   string `yaml:"DebugLevel"`
	ReportCaller bool   `yaml:"ReportCaller"`
}

func (c *Config) ReadConfigFile(path string) error {
	if content, err := ioutil.ReadFile(path); err != nil {
		return err
	} else {
		if err = yaml.Unmarshal(content, c); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) CheckConfigVersion() bool {
	return c.getVersion() == IKESESS_EXPECTED_CONFIG_VERSION
}

func (c *Config) getVersion() string {
	if c.Info != nil && c.Info.Version != "" {
		return c.Info.Version
	}
	return ""
}
