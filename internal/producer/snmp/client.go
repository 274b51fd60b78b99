package snmp

import (
	"time"

	"github.com/gosnmp/gosnmp"

	defaults "github.com/xtxerr/obshub/config"
)

// gosnmpClient adapts gosnmp.GoSNMP to Client.
type gosnmpClient struct {
	*gosnmp.GoSNMP
}

func (c gosnmpClient) Close() error {
	return c.Conn.Close()
}

// Dial connects a gosnmp client for cfg.
func Dial(cfg *Config) (Client, error) {
	snmp := newGoSNMP(cfg)
	if err := snmp.Connect(); err != nil {
		return nil, err
	}
	return gosnmpClient{snmp}, nil
}

func newGoSNMP(cfg *Config) *gosnmp.GoSNMP {
	port := cfg.Port
	if port == 0 {
		port = defaults.DefaultSNMPPort
	}

	timeout := cfg.TimeoutMs
	if timeout == 0 {
		timeout = defaults.DefaultSNMPTimeoutMs
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = defaults.DefaultSNMPRetries
	}

	snmp := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    port,
		Timeout: time.Duration(timeout) * time.Millisecond,
		Retries: int(retries),
		MaxOids: gosnmp.MaxOids,
	}

	// Configure version based on presence of security name
	if cfg.SecurityName != "" {
		snmp.Version = gosnmp.Version3
		snmp.SecurityModel = gosnmp.UserSecurityModel
		snmp.MsgFlags = msgFlags(cfg.SecurityLevel)
		snmp.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(cfg.AuthProtocol),
			AuthenticationPassphrase: cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(cfg.PrivProtocol),
			PrivacyPassphrase:        cfg.PrivPassword,
		}
		if cfg.ContextName != "" {
			snmp.ContextName = cfg.ContextName
		}
	} else {
		snmp.Version = gosnmp.Version2c
		snmp.Community = cfg.Community
	}

	return snmp
}

// =============================================================================
// SNMPv3 Protocol Helpers
// =============================================================================

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}
