// Package config parses the portfan CLI surface and assembles the
// settings needed to build the proxy: listen ports, the upstream list,
// the load-balancer kind, and an optional jump-host configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/portfan/portfan/internal/endpoint"
	"github.com/portfan/portfan/internal/jumphost"
	"github.com/portfan/portfan/internal/loadbalancer"
)

const (
	DefaultPort       = 48138
	DefaultStatusPort = 48139
	MaxNumServers     = 22
)

// ProxyConfig holds everything needed to assemble the running proxy. It
// is also the shape loaded from an optional YAML override file (see
// Load), so every field that a flag can set carries a yaml tag.
type ProxyConfig struct {
	Port         int32    `yaml:"port"`
	StatusPort   int32    `yaml:"webstatus_port"`
	Servers      []string `yaml:"servers"`
	NumServers   int      `yaml:"num_servers"`
	LoadBalancer string   `yaml:"load_balancer"`

	Jumphost            string `yaml:"jumphost"`
	JumphostServer      string `yaml:"jumphost_server"`
	JumphostUser        string `yaml:"jumphost_user"`
	JumphostCredentials string `yaml:"jumphost_credentials"`
	JumphostCompression bool   `yaml:"jumphost_compression"`
	JumphostCiphers     string `yaml:"jumphost_ciphers"`
	SSHBinary           string `yaml:"ssh_binary"`
	OpenInterfaces      bool   `yaml:"openInterfaces"`

	Verbose bool `yaml:"verbose"`

	// ConfigFile is not itself part of the YAML shape; it names the file
	// to load overrides from, set only by the CLI.
	ConfigFile string `yaml:"-"`
}

// Upstreams describes the resolved upstream set, one endpoint plus an
// optional per-upstream jump-host local port.
type Upstreams struct {
	Endpoints  []endpoint.Endpoint
	Jumphost   *jumphost.Config // nil when no jump host is configured
	LocalPorts []int32          // parallel to Endpoints; filled only for --num_servers, empty for --servers
}

// ParseResult is everything main needs to build and run the proxy.
type ParseResult struct {
	Cfg          ProxyConfig
	Balancer     loadbalancer.Kind
	Upstreams    Upstreams
	PrintVersion bool
	PrintHelp    bool
}

// Parse parses args (typically os.Args[1:]), applies an optional
// --config YAML override layer, validates the result, and resolves the
// final upstream set. On any parse or validation error it returns a
// non-nil error; the returned FlagSet's FlagUsages() can be printed for
// help text. The caller is responsible for the exit code.
func Parse(args []string) (*ParseResult, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("portfan", pflag.ContinueOnError)

	port := fs.Int32P("port", "p", DefaultPort, "listening port")
	statusPort := fs.Int32P("webstatus_port", "w", DefaultStatusPort, "status HTTP port")
	servers := fs.StringSliceP("servers", "s", nil, "space-separated upstream list (host:port)")
	numServers := fs.IntP("num_servers", "n", 0, "use localhost:webstatus_port+i for i in [0, N)")
	lbName := fs.StringP("load_balancer", "b", string(loadbalancer.KindRoundRobin), "RoundRobin, LeastUsed, or UniformRandom")

	jh := fs.StringP("jumphost", "j", "", "SSH jump-host address (host[:port])")
	jhServer := fs.StringP("jumphost_server", "y", "", "target behind the jump host (host:port)")
	jhUser := fs.StringP("jumphost_user", "u", "", "SSH user")
	jhCreds := fs.StringP("jumphost_credentials", "i", "", "SSH -i identity file")
	jhCompression := fs.BoolP("jumphost_compression", "C", false, "enable SSH -C compression")
	jhCiphers := fs.StringP("jumphost_ciphers", "c", "", "SSH -c cipher spec")
	sshBinary := fs.String("ssh_binary", "", "alternative ssh binary path")
	openInterfaces := fs.BoolP("openInterfaces", "o", false, "bind forwarded ports to *:PORT")

	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	version := fs.BoolP("version", "V", false, "print version and exit")
	help := fs.BoolP("help", "h", false, "print help and exit")
	configFile := fs.String("config", "", "optional YAML file of default settings, overridden by flags")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	if *help {
		return &ParseResult{PrintHelp: true}, fs, nil
	}
	if *version {
		return &ParseResult{PrintVersion: true}, fs, nil
	}

	// The flag value itself may hold several comma-separated entries; the
	// space-separated host:port words that follow it on the command line
	// arrive as positional arguments and belong to the same list.
	if fs.Changed("servers") {
		*servers = append(*servers, fs.Args()...)
	}

	cfg := ProxyConfig{
		Port:                *port,
		StatusPort:          *statusPort,
		Servers:             *servers,
		NumServers:          *numServers,
		LoadBalancer:        *lbName,
		Jumphost:            *jh,
		JumphostServer:      *jhServer,
		JumphostUser:        *jhUser,
		JumphostCredentials: *jhCreds,
		JumphostCompression: *jhCompression,
		JumphostCiphers:     *jhCiphers,
		SSHBinary:           *sshBinary,
		OpenInterfaces:      *openInterfaces,
		Verbose:             *verbose,
		ConfigFile:          *configFile,
	}

	if cfg.ConfigFile != "" {
		base, err := loadYAML(cfg.ConfigFile)
		if err != nil {
			return nil, fs, err
		}
		cfg = mergeOverrides(base, cfg, fs)
	}

	if err := validate(cfg, fs); err != nil {
		return nil, fs, err
	}

	balancer, err := parseBalancer(cfg.LoadBalancer)
	if err != nil {
		return nil, fs, err
	}

	upstreams, err := resolveUpstreams(cfg)
	if err != nil {
		return nil, fs, err
	}

	return &ParseResult{
		Cfg:       cfg,
		Balancer:  balancer,
		Upstreams: upstreams,
	}, fs, nil
}

// loadYAML reads a ProxyConfig from path to serve as the base layer
// beneath command-line flags.
func loadYAML(path string) (ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var base ProxyConfig
	if err := yaml.Unmarshal(data, &base); err != nil {
		return ProxyConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return base, nil
}

// mergeOverrides starts from base (the YAML file) and applies flags,
// but only the flags the user actually set on the command line —
// flags left at their zero-value default must not clobber the file.
func mergeOverrides(base, flags ProxyConfig, fs *pflag.FlagSet) ProxyConfig {
	out := base
	out.ConfigFile = flags.ConfigFile

	set := func(name string) bool { return fs.Changed(name) }

	if set("port") {
		out.Port = flags.Port
	} else if out.Port == 0 {
		out.Port = DefaultPort
	}
	if set("webstatus_port") {
		out.StatusPort = flags.StatusPort
	} else if out.StatusPort == 0 {
		out.StatusPort = DefaultStatusPort
	}
	if set("servers") {
		out.Servers = flags.Servers
	}
	if set("num_servers") {
		out.NumServers = flags.NumServers
	}
	if set("load_balancer") {
		out.LoadBalancer = flags.LoadBalancer
	} else if out.LoadBalancer == "" {
		out.LoadBalancer = string(loadbalancer.KindRoundRobin)
	}
	if set("jumphost") {
		out.Jumphost = flags.Jumphost
	}
	if set("jumphost_server") {
		out.JumphostServer = flags.JumphostServer
	}
	if set("jumphost_user") {
		out.JumphostUser = flags.JumphostUser
	}
	if set("jumphost_credentials") {
		out.JumphostCredentials = flags.JumphostCredentials
	}
	if set("jumphost_compression") {
		out.JumphostCompression = flags.JumphostCompression
	}
	if set("jumphost_ciphers") {
		out.JumphostCiphers = flags.JumphostCiphers
	}
	if set("ssh_binary") {
		out.SSHBinary = flags.SSHBinary
	}
	if set("openInterfaces") {
		out.OpenInterfaces = flags.OpenInterfaces
	}
	if set("verbose") {
		out.Verbose = flags.Verbose
	}
	return out
}

// validate applies the CLI's documented rules: servers/num_servers
// mutual exclusion, the num_servers range, and jumphost-dependent flags.
func validate(cfg ProxyConfig, fs *pflag.FlagSet) error {
	haveServers := len(cfg.Servers) > 0
	haveNum := fs.Changed("num_servers") || cfg.NumServers > 0

	if haveServers == haveNum {
		return fmt.Errorf("config: exactly one of --servers or --num_servers is required")
	}
	if haveNum && (cfg.NumServers < 1 || cfg.NumServers > MaxNumServers) {
		return fmt.Errorf("config: --num_servers must be between 1 and %d", MaxNumServers)
	}
	if haveServers {
		for _, s := range cfg.Servers {
			ep, err := endpoint.Parse(s)
			if err != nil {
				return fmt.Errorf("config: --servers entry %q: %w", s, err)
			}
			if ep.Port == endpoint.Unspecified {
				return fmt.Errorf("config: --servers entry %q: port -1 is not allowed for an upstream", s)
			}
		}
	}

	jumphostSet := cfg.Jumphost != ""
	dependents := map[string]bool{
		"jumphost_server":      cfg.JumphostServer != "",
		"jumphost_user":        cfg.JumphostUser != "",
		"jumphost_credentials": cfg.JumphostCredentials != "",
		"jumphost_compression": cfg.JumphostCompression,
		"jumphost_ciphers":     cfg.JumphostCiphers != "",
		"ssh_binary":           cfg.SSHBinary != "",
	}
	if !jumphostSet {
		for name, set := range dependents {
			if set {
				return fmt.Errorf("config: --%s requires --jumphost", name)
			}
		}
	} else {
		if cfg.JumphostServer == "" {
			return fmt.Errorf("config: --jumphost requires --jumphost_server")
		}
		target, err := endpoint.Parse(cfg.JumphostServer)
		if err != nil {
			return fmt.Errorf("config: --jumphost_server: %w", err)
		}
		if target.Port == endpoint.Unspecified {
			return fmt.Errorf("config: --jumphost_server: port -1 is not allowed")
		}
		if _, err := parseJumphostEndpoint(cfg.Jumphost); err != nil {
			return fmt.Errorf("config: --jumphost: %w", err)
		}
	}

	return nil
}

func parseBalancer(name string) (loadbalancer.Kind, error) {
	switch loadbalancer.Kind(name) {
	case loadbalancer.KindRoundRobin, loadbalancer.KindLeastUsed, loadbalancer.KindUniformRandom:
		return loadbalancer.Kind(name), nil
	default:
		return "", fmt.Errorf("config: --load_balancer %q must be one of RoundRobin, LeastUsed, UniformRandom", name)
	}
}

// parseJumphostEndpoint parses "host[:port]"; a bare host yields
// endpoint.Unspecified for the port.
func parseJumphostEndpoint(s string) (endpoint.Endpoint, error) {
	if !strings.Contains(s, ":") {
		return endpoint.New(s, endpoint.Unspecified)
	}
	return endpoint.Parse(s)
}

// resolveUpstreams builds the final upstream endpoint list (and, when a
// jump host is configured, a per-upstream local port and shared
// jumphost.Config) from either --servers or --num_servers.
func resolveUpstreams(cfg ProxyConfig) (Upstreams, error) {
	var jh *jumphost.Config
	if cfg.Jumphost != "" {
		sshd, err := parseJumphostEndpoint(cfg.Jumphost)
		if err != nil {
			return Upstreams{}, err
		}
		target, err := endpoint.Parse(cfg.JumphostServer)
		if err != nil {
			return Upstreams{}, err
		}
		jh = &jumphost.Config{
			SSHD:              sshd,
			TargetServer:      target,
			User:              cfg.JumphostUser,
			CredentialsFile:   cfg.JumphostCredentials,
			Compression:       cfg.JumphostCompression,
			Ciphers:           cfg.JumphostCiphers,
			SSHBinary:         cfg.SSHBinary,
			OpenAllInterfaces: cfg.OpenInterfaces,
		}
	}

	if len(cfg.Servers) > 0 {
		eps := make([]endpoint.Endpoint, 0, len(cfg.Servers))
		for _, s := range cfg.Servers {
			ep, err := endpoint.Parse(s)
			if err != nil {
				return Upstreams{}, err
			}
			eps = append(eps, ep)
		}
		return Upstreams{Endpoints: eps, Jumphost: jh}, nil
	}

	// --num_servers: generate N distinct local ports starting at the
	// status port, driving N jump-host tunnels off a single target.
	eps := make([]endpoint.Endpoint, cfg.NumServers)
	localPorts := make([]int32, cfg.NumServers)
	for i := 0; i < cfg.NumServers; i++ {
		localPort := cfg.StatusPort + int32(i)
		ep, err := endpoint.New("localhost", localPort)
		if err != nil {
			return Upstreams{}, err
		}
		eps[i] = ep
		localPorts[i] = localPort
	}
	return Upstreams{Endpoints: eps, Jumphost: jh, LocalPorts: localPorts}, nil
}
