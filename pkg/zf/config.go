// Package zf wires configuration, logging, and the forwarding endpoints
// into runnable server and client processes.
package zf

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/stfujnkk/zomboid-forward/pkg/forward"
	"github.com/stfujnkk/zomboid-forward/pkg/token"
	"github.com/stfujnkk/zomboid-forward/pkg/wire"
	"gopkg.in/ini.v1"
)

// Common holds the options shared by both endpoints' [common] sections.
// DebugAddr has no configuration-file spelling; it only comes from the
// environment.
type Common struct {
	Token     string
	LogFile   string
	LogLevel  zerolog.Level
	DebugAddr string
}

// ServerConfig is the server endpoint's configuration.
type ServerConfig struct {
	Common
	BindAddr netip.Addr
	BindPort uint16
}

// ClientConfig is the client endpoint's configuration.
type ClientConfig struct {
	Common
	ServerAddr string
	ServerPort uint16
	Sections   []forward.Section
}

// ParseLogLevel parses the configured log level. The empty string means
// info; critical is accepted as an alias for fatal.
func ParseLogLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "":
		return zerolog.InfoLevel, nil
	case "critical":
		return zerolog.FatalLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// ApplyEnv overlays ZF_TOKEN, ZF_LOG_FILE, ZF_LOG_LEVEL and ZF_DEBUG_ADDR
// from environ so the token can be kept out of the configuration file.
func (c *Common) ApplyEnv(environ []string) error {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "ZF_TOKEN":
			c.Token = v
		case "ZF_LOG_FILE":
			c.LogFile = v
		case "ZF_LOG_LEVEL":
			l, err := ParseLogLevel(v)
			if err != nil {
				return fmt.Errorf("ZF_LOG_LEVEL: %w", err)
			}
			c.LogLevel = l
		case "ZF_DEBUG_ADDR":
			c.DebugAddr = v
		}
	}
	return nil
}

// TakeToken consumes the configured token in wire form, scrubbing the raw
// string from the configuration.
func (c *Common) TakeToken() ([]byte, error) {
	tok := token.Normalize(c.Token)
	c.Token = ""
	if len(tok) == 0 {
		return nil, errors.New("token is not configured")
	}
	return tok, nil
}

// ReadEnvFile loads an env-format overrides file.
func ReadEnvFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

var commonServerKeys = map[string]bool{
	"bind_addr": true, "bind_port": true, "token": true,
	"log_file": true, "log_level": true,
}

var commonClientKeys = map[string]bool{
	"server_addr": true, "server_port": true, "token": true,
	"log_file": true, "log_level": true,
}

var sectionKeys = map[string]bool{
	"local_ip": true, "local_port": true, "remote_port": true, "type": true,
}

// LoadServer reads the server configuration file. A relative log_file
// resolves against the directory containing the configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	for _, sec := range file.Sections() {
		switch sec.Name() {
		case ini.DefaultSection, "common":
		default:
			return nil, fmt.Errorf("unknown section %q", sec.Name())
		}
	}
	common, err := file.GetSection("common")
	if err != nil {
		return nil, errors.New("missing [common] section")
	}
	if err := checkKeys(common, commonServerKeys); err != nil {
		return nil, err
	}

	c := &ServerConfig{BindAddr: netip.IPv4Unspecified()}
	if v := common.Key("bind_addr").String(); v != "" {
		if c.BindAddr, err = netip.ParseAddr(v); err != nil {
			return nil, fmt.Errorf("bind_addr: %w", err)
		}
	}
	if c.BindPort, err = parsePort(common.Key("bind_port").String()); err != nil {
		return nil, fmt.Errorf("bind_port: %w", err)
	}
	if err := loadCommon(&c.Common, common, path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadClient reads the client configuration file: the [common] connection
// options plus one forwarding section per local service.
func LoadClient(path string) (*ClientConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	common, err := file.GetSection("common")
	if err != nil {
		return nil, errors.New("missing [common] section")
	}
	if err := checkKeys(common, commonClientKeys); err != nil {
		return nil, err
	}

	c := &ClientConfig{}
	c.ServerAddr = strings.TrimSpace(common.Key("server_addr").String())
	if c.ServerAddr == "" {
		return nil, errors.New("server_addr is not configured")
	}
	if c.ServerPort, err = parsePort(common.Key("server_port").String()); err != nil {
		return nil, fmt.Errorf("server_port: %w", err)
	}
	if err := loadCommon(&c.Common, common, path); err != nil {
		return nil, err
	}

	for _, sec := range file.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == "common" {
			continue
		}
		if err := checkKeys(sec, sectionKeys); err != nil {
			return nil, fmt.Errorf("section %q: %w", name, err)
		}
		s := forward.Section{Name: name, Type: wire.UDP}
		if t := sec.Key("type").String(); t != "" {
			if s.Type, err = wire.ParsePortType(t); err != nil {
				return nil, fmt.Errorf("section %q: %w", name, err)
			}
		}
		if s.LocalIP, err = netip.ParseAddr(sec.Key("local_ip").String()); err != nil {
			return nil, fmt.Errorf("section %q: local_ip: %w", name, err)
		}
		if s.LocalPorts, err = forward.ParsePortList(sec.Key("local_port").String()); err != nil {
			return nil, fmt.Errorf("section %q: local_port: %w", name, err)
		}
		if s.RemotePorts, err = forward.ParsePortList(sec.Key("remote_port").String()); err != nil {
			return nil, fmt.Errorf("section %q: remote_port: %w", name, err)
		}
		if len(s.LocalPorts) != len(s.RemotePorts) {
			return nil, fmt.Errorf("section %q: local_port and remote_port must pair up (%d vs %d)",
				name, len(s.LocalPorts), len(s.RemotePorts))
		}
		c.Sections = append(c.Sections, s)
	}
	if len(c.Sections) == 0 {
		return nil, errors.New("no forwarding sections configured")
	}
	return c, nil
}

func loadCommon(c *Common, sec *ini.Section, cfgPath string) error {
	c.Token = sec.Key("token").String()
	var err error
	if c.LogLevel, err = ParseLogLevel(sec.Key("log_level").String()); err != nil {
		return err
	}
	if lf := sec.Key("log_file").String(); lf != "" {
		if !filepath.IsAbs(lf) {
			base, err := filepath.Abs(cfgPath)
			if err != nil {
				return err
			}
			lf = filepath.Join(filepath.Dir(base), lf)
		}
		c.LogFile = lf
	}
	return nil
}

func checkKeys(sec *ini.Section, known map[string]bool) error {
	for _, k := range sec.KeyStrings() {
		if !known[k] {
			return fmt.Errorf("unknown option %q", k)
		}
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
